package domain

import "testing"

func TestProcessingStateTerminal(t *testing.T) {
	cases := []struct {
		state ProcessingState
		want  bool
	}{
		{ProcessingStateQueued, false},
		{ProcessingStateProcessing, false},
		{ProcessingStateComplete, true},
		{ProcessingStateFailed, true},
		{ProcessingStatePartial, true},
		{ProcessingState("bogus"), false},
	}
	for _, c := range cases {
		if got := c.state.Terminal(); got != c.want {
			t.Errorf("%s.Terminal() = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestGenerationJobValidate(t *testing.T) {
	valid := func() GenerationJob {
		return GenerationJob{
			Kind:           JobKindSingle,
			RequestID:      "req-1",
			UserID:         "user-1",
			Prompt:         "a cat",
			Model:          "dall-e-3",
			NumberOfImages: 1,
		}
	}

	if err := (&GenerationJob{}).Validate(); err == nil {
		t.Fatal("zero job validated")
	}
	job := valid()
	if err := job.Validate(); err != nil {
		t.Fatalf("valid single job rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*GenerationJob)
	}{
		{"empty requestId", func(j *GenerationJob) { j.RequestID = " " }},
		{"empty userId", func(j *GenerationJob) { j.UserID = "" }},
		{"empty prompt", func(j *GenerationJob) { j.Prompt = "  " }},
		{"empty model", func(j *GenerationJob) { j.Model = "" }},
		{"zero count", func(j *GenerationJob) { j.NumberOfImages = 0 }},
		{"count too large", func(j *GenerationJob) { j.NumberOfImages = 11 }},
		{"single with parent", func(j *GenerationJob) { j.ParentRequestID = "parent-1" }},
		{"unknown kind", func(j *GenerationJob) { j.Kind = "batch" }},
		{"child without parent", func(j *GenerationJob) { j.Kind = JobKindComparisonChild }},
	}
	for _, c := range cases {
		job := valid()
		c.mutate(&job)
		if err := job.Validate(); err == nil {
			t.Errorf("%s: validated", c.name)
		}
	}

	child := valid()
	child.Kind = JobKindComparisonChild
	child.ParentRequestID = "parent-1"
	if err := child.Validate(); err != nil {
		t.Fatalf("valid comparison child rejected: %v", err)
	}
}
