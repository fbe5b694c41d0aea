package archive

import (
	"context"
	"fmt"
	"os/exec"
)

// Anonymizer strips identifying data from a staged session before it is
// committed. DICOM-aware de-identification lives outside this service; the
// pipeline only needs a hook to run it and a decision about failure.
type Anonymizer interface {
	Anonymize(ctx context.Context, stagedDir string) error
}

// NoopAnonymizer is used when no de-identification is configured.
type NoopAnonymizer struct{}

func (NoopAnonymizer) Anonymize(ctx context.Context, stagedDir string) error {
	return nil
}

// ScriptAnonymizer shells out to an external de-identification tool with the
// staged directory as its argument.
type ScriptAnonymizer struct {
	Command string
}

func (a ScriptAnonymizer) Anonymize(ctx context.Context, stagedDir string) error {
	cmd := exec.CommandContext(ctx, a.Command, stagedDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("anonymize %s: %w (%s)", stagedDir, err, out)
	}
	return nil
}
