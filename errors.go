package proethica

import (
	"errors"

	"github.com/proethica/proethica/export"
	"github.com/proethica/proethica/pipeline"
	"github.com/proethica/proethica/queue"
)

var (
	// ErrCaseNotFound is returned when a case ID does not exist.
	ErrCaseNotFound = errors.New("proethica: case not found")

	// ErrCaseExists is returned when ingesting a source that is already stored
	// with identical content.
	ErrCaseExists = errors.New("proethica: case already exists")

	// ErrEntityNotFound is returned when an entity ID does not exist.
	ErrEntityNotFound = errors.New("proethica: entity not found")

	// ErrRunNotFound is returned when a pipeline run ID does not exist.
	ErrRunNotFound = errors.New("proethica: run not found")

	// ErrUnsupportedFormat is returned for unrecognized case file formats.
	ErrUnsupportedFormat = errors.New("proethica: unsupported case format")

	// ErrParsingFailed is returned when case parsing fails.
	ErrParsingFailed = errors.New("proethica: parsing failed")

	// ErrLLMUnavailable is returned when no chat provider is configured or
	// the provider is unreachable.
	ErrLLMUnavailable = errors.New("proethica: LLM provider unavailable")

	// ErrStepDependency is returned when a step runs before the steps it
	// depends on have completed for the case.
	ErrStepDependency = pipeline.ErrStepDependency

	// ErrUnknownStep is returned for step names outside the pipeline.
	ErrUnknownStep = pipeline.ErrUnknownStep

	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = queue.ErrRunFinished

	// ErrUnknownExportFormat is returned for export formats other than
	// xlsx and jsonld.
	ErrUnknownExportFormat = export.ErrUnknownFormat

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("proethica: invalid configuration")

	// ErrInvalidInput is returned when a request fails validation.
	ErrInvalidInput = errors.New("proethica: invalid input")

	// ErrStoreClosed is returned when operating on a closed engine.
	ErrStoreClosed = errors.New("proethica: store is closed")
)
