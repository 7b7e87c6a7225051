package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"
)

const CourseGenerationKind = "course_generation"

const defaultLessons = 5

type courseParams struct {
	Topic    string `json:"topic" validate:"required,min=3,max=200"`
	Audience string `json:"audience" validate:"max=200"`
	Lessons  int    `json:"lessons" validate:"omitempty,min=1,max=20"`
	Language string `json:"language" validate:"omitempty,max=32"`
}

func parseCourseParams(raw json.RawMessage) (courseParams, error) {
	var p courseParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode params: %w", err)
	}
	p.Topic = strings.TrimSpace(p.Topic)
	if err := validate.Struct(p); err != nil {
		return p, err
	}
	return p, nil
}

// CourseJob registers the course_generation kind. The job reads the brief from
// the task params, asks gen for a course and stores it as an artifact.
func CourseJob(gen ports.CourseGenerator, artifacts ports.ArtifactStore) JobSpec {
	return JobSpec{
		Kind:     CourseGenerationKind,
		Estimate: 90 * time.Second,
		Validate: func(params json.RawMessage) error {
			_, err := parseCourseParams(params)
			return err
		},
		New: func(t domain.Task) (Job, error) {
			return &courseJob{task: t, gen: gen, artifacts: artifacts}, nil
		},
	}
}

type courseJob struct {
	task      domain.Task
	gen       ports.CourseGenerator
	artifacts ports.ArtifactStore

	params    courseParams
	brief     domain.CourseBrief
	course    domain.Course
	resultRef string
}

func (j *courseJob) Steps() []Step {
	return []Step{
		{Name: "prepare", Message: "Preparing request", Progress: 5, Run: j.prepare},
		{Name: "curate", Message: "Curating content", Progress: 15, Run: j.curate},
		{Name: "generate", Message: "Generating course", Progress: 40, Run: j.generate},
		{Name: "persist", Message: "Saving course", Progress: 90, Run: j.persist},
	}
}

func (j *courseJob) ResultRef() string { return j.resultRef }

func (j *courseJob) prepare(ctx context.Context, _ Reporter) error {
	p, err := parseCourseParams(j.task.Params)
	if err != nil {
		return err
	}
	j.params = p
	return nil
}

func (j *courseJob) curate(ctx context.Context, _ Reporter) error {
	j.brief = domain.CourseBrief{
		Topic:    j.params.Topic,
		Audience: strings.TrimSpace(j.params.Audience),
		Lessons:  j.params.Lessons,
		Language: strings.TrimSpace(j.params.Language),
	}
	if j.brief.Lessons == 0 {
		j.brief.Lessons = defaultLessons
	}
	if j.brief.Language == "" {
		j.brief.Language = "English"
	}
	return nil
}

func (j *courseJob) generate(ctx context.Context, report Reporter) error {
	course, err := j.gen.GenerateCourse(ctx, j.brief)
	if err != nil {
		return err
	}
	if len(course.Lessons) == 0 {
		return errors.New("generator returned a course without lessons")
	}
	j.course = course
	return report(ctx, 85, fmt.Sprintf("Generated %d lessons", len(course.Lessons)))
}

func (j *courseJob) persist(ctx context.Context, _ Reporter) error {
	body, err := json.Marshal(j.course)
	if err != nil {
		return fmt.Errorf("encode course: %w", err)
	}
	a, err := j.artifacts.SaveArtifact(ctx, domain.Artifact{
		TaskID:  j.task.ID,
		OwnerID: j.task.OwnerID,
		Kind:    j.task.Kind,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	j.resultRef = a.ID
	return nil
}
