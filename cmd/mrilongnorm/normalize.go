package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"mrilongnorm/internal/models"
	"mrilongnorm/pkg/biascorrect"
	"mrilongnorm/pkg/brainextract"
	"mrilongnorm/pkg/catalog"
	"mrilongnorm/pkg/config"
	"mrilongnorm/pkg/denoise"
	"mrilongnorm/pkg/pipeline"
	"mrilongnorm/pkg/registration"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize [subject...]",
	Short: "Normalize every session of the given subjects (default: all) into template space",
	RunE:  runNormalize,
}

func init() {
	f := normalizeCmd.Flags()
	f.String("input", "", "Input root with one directory per subject")
	f.String("output", "", "Output root for the subject/session tree")
	f.String("template", "", "Template volume (full head)")
	f.String("template-brain", "", "Skull-stripped template volume")
	f.String("template-mask", "", "Template brain mask")
	f.String("device", "", "Device for brain extraction (cpu, cuda, ...)")
	f.Int("workers", 0, "Number of subjects processed concurrently")
	f.String("sessions-csv", "", "CSV with subject_id,session_id columns restricting the sessions")
}

// applyNormalizeFlags overrides configuration values with the flags the
// user set explicitly.
func applyNormalizeFlags(cfg *config.Config, f *pflag.FlagSet) error {
	strs := map[string]*string{
		"input":          &cfg.InputRoot,
		"output":         &cfg.OutputRoot,
		"template":       &cfg.Templates.Volume,
		"template-brain": &cfg.Templates.Brain,
		"template-mask":  &cfg.Templates.Mask,
		"device":         &cfg.Device,
		"sessions-csv":   &cfg.SessionsCSV,
	}
	for name, dst := range strs {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if f.Changed("workers") {
		n, err := f.GetInt("workers")
		if err != nil {
			return err
		}
		cfg.Processing.Workers = n
	}
	return nil
}

// buildPipeline wires the services described by cfg.
func buildPipeline(cfg *config.Config, log *zap.Logger) (*pipeline.Pipeline, error) {
	cat := catalog.NewOS(cfg.InputRoot)
	if cfg.SessionsCSV != "" {
		listed, err := catalog.ReadSessionListFile(cfg.SessionsCSV)
		if err != nil {
			return nil, err
		}
		cat.WithSessionList(listed)
	}

	reg, err := registration.New(registration.Type(cfg.Registration.Type), cfg.Processing.ResampleWorkers)
	if err != nil {
		return nil, err
	}

	templates, err := pipeline.LoadTemplates(cfg.Templates.Volume, cfg.Templates.Brain, cfg.Templates.Mask)
	if err != nil {
		return nil, err
	}

	svc := pipeline.Services{
		Catalog:   cat,
		Registrar: reg,
		Extractor: brainextract.NewHDBet(
			cfg.BrainExtraction.Command,
			cfg.BrainExtraction.Args,
			cfg.Device,
			cfg.BrainExtraction.MaskSuffix,
			log.Named("hd-bet"),
		),
		Corrector: biascorrect.NewSmoothField(cfg.BiasCorrection.Iterations, cfg.BiasCorrection.FieldSigmaMM),
		Store:     pipeline.NewFileStore(cfg.OutputRoot),
	}
	if cfg.Denoise.Enabled {
		svc.Denoiser = denoise.NewFilter(cfg.Denoise.EdgeThreshold)
	}
	return pipeline.New(templates, svc, cfg.Processing.Workers, log)
}

func runNormalize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyNormalizeFlags(cfg, cmd.Flags()); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	p, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	reports, err := p.Run(cmd.Context(), args)
	printReports(cmd.OutOrStdout(), reports, time.Since(start))
	return err
}

func printReports(w io.Writer, reports []*models.SubjectReport, elapsed time.Duration) {
	fmt.Fprintln(w, "================================")
	for _, r := range reports {
		if r == nil {
			continue
		}
		if r.Aborted() {
			fmt.Fprintf(w, "%-16s %-22s %v\n", r.Subject, r.State, r.Err)
			continue
		}
		fmt.Fprintf(w, "%-16s %-22s reference=%s sessions=%v\n", r.Subject, r.State, r.Reference, r.Sessions())
		for _, sk := range r.Skipped {
			fmt.Fprintf(w, "  skipped %s: %v\n", sk.Session.ID, sk.Err)
		}
	}
	s := pipeline.Summarize(reports)
	fmt.Fprintln(w, "================================")
	fmt.Fprintf(w, "Subjects: %d done, %d aborted of %d\n", s.Done, s.Aborted, s.Subjects)
	fmt.Fprintf(w, "Sessions: %d normalized, %d skipped\n", s.Sessions, s.Skipped)
	fmt.Fprintf(w, "Total processing time: %.2f seconds\n", elapsed.Seconds())
}
