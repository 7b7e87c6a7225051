package usecase

import (
	"context"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
)

var _ ports.CourseGenerator = StaticGenerator{}

// StaticGenerator builds a deterministic outline without calling a model.
// It is the default for local runs and tests.
type StaticGenerator struct{}

func (StaticGenerator) GenerateCourse(ctx context.Context, brief domain.CourseBrief) (domain.Course, error) {
	if err := ctx.Err(); err != nil {
		return domain.Course{}, err
	}

	audience := brief.Audience
	if audience == "" {
		audience = "everyone"
	}
	course := domain.Course{
		Title:   fmt.Sprintf("Introduction to %s", brief.Topic),
		Summary: fmt.Sprintf("A %d-lesson course on %s for %s.", brief.Lessons, brief.Topic, audience),
		Lessons: make([]domain.Lesson, 0, brief.Lessons),
	}
	for i := 1; i <= brief.Lessons; i++ {
		course.Lessons = append(course.Lessons, domain.Lesson{
			Title: fmt.Sprintf("Lesson %d: %s, part %d", i, brief.Topic, i),
			Objectives: []string{
				fmt.Sprintf("Explain the key ideas of part %d", i),
				"Apply them in a short exercise",
			},
			Outline: []string{"Overview", "Worked example", "Practice", "Recap"},
		})
	}
	return course, nil
}
