package main

import (
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"mrilongnorm/pkg/biascorrect"
	"mrilongnorm/pkg/catalog"
	"mrilongnorm/pkg/qc"
)

var (
	qcWorkers int
	qcNoBias  bool

	iqmOutput  string
	iqmWorkers int
)

var qcCmd = &cobra.Command{
	Use:   "qc <bids_root> <out_root>",
	Short: "Estimate an automatic brain mask and quality metrics for every T1w volume",
	Args:  cobra.ExactArgs(2),
	RunE:  runQC,
}

var iqmCmd = &cobra.Command{
	Use:   "iqm <bids_root>",
	Short: "Tabulate per-subject intensity measures and flag outliers",
	Args:  cobra.ExactArgs(1),
	RunE:  runIQM,
}

func init() {
	qcCmd.Flags().IntVar(&qcWorkers, "workers", 0, "Number of volumes processed concurrently (default from config)")
	qcCmd.Flags().BoolVar(&qcNoBias, "no-bias", false, "Skip the bias correction step")

	iqmCmd.Flags().StringVarP(&iqmOutput, "output", "o", qc.IQMFile, "Output CSV path")
	iqmCmd.Flags().IntVar(&iqmWorkers, "workers", 0, "Number of subjects processed concurrently (default from config)")
}

func runQC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workers := cfg.QC.Workers
	if qcWorkers > 0 {
		workers = qcWorkers
	}

	var corrector qc.BiasCorrector
	if cfg.QC.BiasCorrection && !qcNoBias {
		corrector = biascorrect.NewSmoothField(cfg.BiasCorrection.Iterations, cfg.BiasCorrection.FieldSigmaMM)
	}

	batch := qc.NewBatch(qc.NewEstimator(corrector, logger), workers, cfg.QC.SnapshotHeight, logger)
	records, err := batch.Run(cmd.Context(), catalog.NewOS(args[0]), args[1])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	failed := 0
	for _, r := range records {
		if r.Error != "" {
			failed++
			fmt.Fprintf(w, "%-24s FAILED: %s\n", r.ID, r.Error)
			continue
		}
		fmt.Fprintf(w, "%-24s %s\n", r.ID, r.Values())
	}
	fmt.Fprintf(w, "QC finished: %d volumes, %d failed\n", len(records), failed)
	return nil
}

func runIQM(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workers := cfg.QC.Workers
	if iqmWorkers > 0 {
		workers = iqmWorkers
	}

	rows, err := qc.IQMTable(cmd.Context(), catalog.NewOS(args[0]), workers, logger)
	if err != nil {
		return err
	}

	file, err := os.Create(iqmOutput)
	if err != nil {
		return err
	}
	if err := qc.WriteIQMCSV(file, rows); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	outliers, missing := 0, 0
	for _, r := range rows {
		if r.Outlier {
			outliers++
		}
		if math.IsNaN(r.Mean) {
			missing++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Found %d subjects, %d failed.\n", len(rows), missing)
	fmt.Fprintf(cmd.OutOrStdout(), "Detected %d potential outliers out of %d subjects.\n", outliers, len(rows))
	fmt.Fprintf(cmd.OutOrStdout(), "IQM results saved to %s\n", iqmOutput)
	return nil
}
