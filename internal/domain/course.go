package domain

// CourseBrief is what the generation step is asked to produce.
type CourseBrief struct {
	Topic    string `json:"topic"`
	Audience string `json:"audience"`
	Lessons  int    `json:"lessons"`
	Language string `json:"language"`
}

type Course struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Lessons []Lesson `json:"lessons"`
}

type Lesson struct {
	Title      string   `json:"title"`
	Objectives []string `json:"objectives"`
	Outline    []string `json:"outline"`
}
