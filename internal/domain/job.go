package domain

// Job is a recording job registered with the remote recording API.
type Job struct {
	ID        string `json:"id"`
	VideoPath string `json:"video_path"`
}
