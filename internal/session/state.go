package session

import "time"

// State is the lifecycle state of a signaling session.
type State int

const (
	Unstarted State = iota
	SessionCreating
	SessionReady
	PluginAttaching
	PluginReady
	Negotiating
	Negotiated
	Destroying
	Destroyed
	Failed
)

var stateNames = [...]string{
	Unstarted:       "Unstarted",
	SessionCreating: "SessionCreating",
	SessionReady:    "SessionReady",
	PluginAttaching: "PluginAttaching",
	PluginReady:     "PluginReady",
	Negotiating:     "Negotiating",
	Negotiated:      "Negotiated",
	Destroying:      "Destroying",
	Destroyed:       "Destroyed",
	Failed:          "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool {
	return s == Destroyed || s == Failed
}

// Transition is one entry of a session's transition log.
type Transition struct {
	From State
	To   State
	At   time.Time
}

type edge struct {
	from, to State
}

// allowedEdges lists every legal transition. Failed and Destroying are
// reachable from every non-terminal state and are added in init.
var allowedEdges = map[edge]bool{
	{Unstarted, SessionCreating}:    true,
	{SessionCreating, SessionReady}: true,
	{SessionReady, PluginAttaching}: true,
	{PluginAttaching, PluginReady}:  true,
	{PluginReady, Negotiating}:      true,
	{Negotiating, Negotiated}:       true,
	{Negotiated, Negotiating}:       true, // renegotiation
	{Destroying, Destroyed}:         true,
}

func init() {
	for s := Unstarted; s <= Failed; s++ {
		if s.Terminal() {
			continue
		}
		if s != Destroying {
			allowedEdges[edge{s, Destroying}] = true
			allowedEdges[edge{s, Failed}] = true
		}
	}
}

// Allowed reports whether from → to is a legal transition.
func Allowed(from, to State) bool {
	return allowedEdges[edge{from, to}]
}
