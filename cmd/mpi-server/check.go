package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/mpi/internal/domain/mpi"
)

type checkOutput struct {
	PatientRef uuid.UUID       `json:"patient_ref"`
	Score      float64         `json:"score"`
	Reason     mpi.MatchReason `json:"reason"`
	Label      string          `json:"label"`
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a duplicate check and print the candidates as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			name, _ := flags.GetString("name")
			nationalID, _ := flags.GetString("national-id")
			dobStr, _ := flags.GetString("dob")
			phone, _ := flags.GetString("phone")
			seedPath, _ := flags.GetString("seed")

			dob, err := mpi.ParseDate(dobStr)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Env)

			ctx := cmd.Context()
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			engine := mpi.NewEngine(b.store, logger)
			if seedPath != "" {
				patients, err := loadFixture(seedPath)
				if err != nil {
					return err
				}
				if _, err := seedPatients(ctx, engine, patients, logger, false); err != nil {
					return err
				}
			}

			candidates, err := engine.CheckDuplicates(ctx, mpi.Query{
				Name:        name,
				NationalID:  nationalID,
				DateOfBirth: dob,
				Phone:       phone,
			})
			if err != nil {
				return err
			}

			out := make([]checkOutput, 0, len(candidates))
			for _, c := range candidates {
				out = append(out, checkOutput{PatientRef: c.PatientRef, Score: c.Score, Reason: c.Reason, Label: c.Reason.Label()})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("writing candidates: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("name", "", "Patient name")
	cmd.Flags().String("national-id", "", "National identifier")
	cmd.Flags().String("dob", "", "Date of birth (YYYY-MM-DD)")
	cmd.Flags().String("phone", "", "Phone number")
	cmd.Flags().String("seed", "", "YAML fixture to sync before checking (useful with STORE_DRIVER=memory)")
	return cmd
}
