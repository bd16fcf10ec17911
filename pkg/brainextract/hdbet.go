// Package brainextract adapts an external skull-stripping executable to
// the pipeline's brain extraction contract.
package brainextract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/nifti"
)

// ErrNoMask means the tool ran (or was skipped) but no usable mask exists
// at the expected path afterwards.
var ErrNoMask = errors.New("brain extraction produced no mask")

// Request describes one extraction call.
type Request struct {
	// InputPath is the volume handed to the tool
	InputPath string

	// OutputPath is the -o argument; the mask lands next to it with the
	// tool's mask suffix
	OutputPath string

	// Space labels the returned mask
	Space string
}

// HDBet runs an hd-bet compatible command:
//
//	<command> -i <input> -o <output> -device <device> <args...>
//
// and reads the mask written at <output stem><suffix>.nii.gz.
type HDBet struct {
	Command    string
	Args       []string
	Device     string
	MaskSuffix string

	logger *zap.Logger
}

// NewHDBet creates an adapter. A nil logger disables logging.
func NewHDBet(command string, args []string, device, maskSuffix string, logger *zap.Logger) *HDBet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HDBet{
		Command:    command,
		Args:       args,
		Device:     device,
		MaskSuffix: maskSuffix,
		logger:     logger,
	}
}

// MaskPath returns where the tool writes the mask for a given output path.
func (h *HDBet) MaskPath(outputPath string) string {
	stem := strings.TrimSuffix(strings.TrimSuffix(outputPath, ".gz"), ".nii")
	return stem + h.MaskSuffix + ".nii.gz"
}

// ExtractBrain returns the brain mask of the input volume. A mask already
// present at the expected path is reused without running the tool.
func (h *HDBet) ExtractBrain(ctx context.Context, req Request) (*models.Mask, error) {
	maskPath := h.MaskPath(req.OutputPath)
	log := h.logger.With(zap.String("input", req.InputPath), zap.String("mask", maskPath))

	var runErr error
	if _, err := os.Stat(maskPath); err == nil {
		log.Info("brain mask already exists, skipping extraction")
	} else {
		args := append([]string{"-i", req.InputPath, "-o", req.OutputPath, "-device", h.Device}, h.Args...)
		log.Debug("running brain extraction", zap.String("command", h.Command), zap.Strings("args", args))

		cmd := exec.CommandContext(ctx, h.Command, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			// the tool's exit status is not trusted either way; only the
			// mask file decides success
			runErr = fmt.Errorf("%s: %w: %s", h.Command, err, strings.TrimSpace(string(out)))
			log.Warn("brain extraction command failed", zap.Error(runErr))
		}
	}

	if _, err := os.Stat(maskPath); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("%w at %s: %v", ErrNoMask, maskPath, runErr)
		}
		return nil, fmt.Errorf("%w at %s", ErrNoMask, maskPath)
	}

	vol, err := nifti.ReadFile(maskPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMask, err)
	}
	mask := models.MaskFromVolume(vol, req.Space)
	if mask.Count() == 0 {
		return nil, fmt.Errorf("%w: mask at %s is empty", ErrNoMask, maskPath)
	}
	return mask, nil
}
