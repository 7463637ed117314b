package collaborator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kotoba-transcriber/backend/collaborator"
)

func TestNew_WithoutCause(t *testing.T) {
	err := collaborator.New(collaborator.CategoryValidation, "bad input")
	assert.Equal(t, "bad input", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestNew_WithCause(t *testing.T) {
	cause := errors.New("disk full")
	err := collaborator.New(collaborator.CategoryInternal, "write failed", cause)
	assert.Equal(t, "write failed: disk full", err.Error())
	assert.Same(t, cause, err.Unwrap())
}

func TestCategoryOf_ExtractsCategory(t *testing.T) {
	err := collaborator.New(collaborator.CategoryBusy, "engine busy")
	assert.Equal(t, collaborator.CategoryBusy, collaborator.CategoryOf(err))
}

func TestCategoryOf_DefaultsToInternalForPlainError(t *testing.T) {
	assert.Equal(t, collaborator.CategoryInternal, collaborator.CategoryOf(errors.New("boom")))
}

func TestRegistry_AbsentCollaboratorsReturnNil(t *testing.T) {
	r := collaborator.NewRegistry(collaborator.RegistryOptions{})
	assert.Nil(t, r.Diarizer())
	assert.Nil(t, r.Formatter())
	assert.Nil(t, r.Corrector())
	assert.Nil(t, r.AudioSource())
	assert.Nil(t, r.Engine("default"))
	assert.Nil(t, r.ExporterFor("txt"))
	assert.Empty(t, r.EngineNames())
}

func TestRegistry_LooksUpRegisteredCollaborators(t *testing.T) {
	fmtr := fakeFormatter{}
	r := collaborator.NewRegistry(collaborator.RegistryOptions{
		Formatter: fmtr,
		Exporters: map[string]collaborator.Exporter{"txt": fakeExporter{}},
	})
	assert.Equal(t, fmtr, r.Formatter())
	assert.NotNil(t, r.ExporterFor("txt"))
	assert.Nil(t, r.ExporterFor("docx"))
}

type fakeFormatter struct{}

func (fakeFormatter) Format(_ context.Context, text string, _ collaborator.FormatOptions) (string, error) {
	return text, nil
}

type fakeExporter struct{}

func (fakeExporter) Format() string { return "txt" }
func (fakeExporter) Export(_ context.Context, _ string, _ []collaborator.Segment, _ string) error {
	return nil
}
