package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/mpi/internal/domain/mpi"
	"github.com/ehr/mpi/internal/platform/db"
)

// fixture is the YAML layout accepted by seed and check --seed.
type fixture struct {
	Patients []fixturePatient `yaml:"patients"`
}

type fixturePatient struct {
	PatientRef  string `yaml:"patient_ref"`
	Name        string `yaml:"name"`
	Address     string `yaml:"address"`
	NationalID  string `yaml:"national_id"`
	DateOfBirth string `yaml:"date_of_birth"`
	Phone       string `yaml:"phone"`
}

type seedResult struct {
	Synced    int
	Conflicts int
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Sync patients from a YAML fixture into the identity index",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			atomic, _ := cmd.Flags().GetBool("atomic")
			if path == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Env)

			patients, err := loadFixture(path)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			var res seedResult
			if atomic {
				if b.pool == nil {
					return fmt.Errorf("--atomic requires STORE_DRIVER=postgres")
				}
				// No events: a rolled back seed must not announce anything.
				engine := mpi.NewEngine(b.store, logger)
				err = db.RunInTx(ctx, b.pool, func(ctx context.Context) error {
					var txErr error
					res, txErr = seedPatients(ctx, engine, patients, logger, true)
					return txErr
				})
			} else {
				engine := mpi.NewEngine(b.store, logger, mpi.WithPublisher(b.publisher))
				res, err = seedPatients(ctx, engine, patients, logger, false)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d patient(s), %d conflict(s).\n", res.Synced, res.Conflicts)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the YAML fixture")
	cmd.Flags().Bool("atomic", false, "Apply the whole fixture in one transaction (postgres only)")
	return cmd
}

func loadFixture(path string) ([]mpi.Patient, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	var f fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture %s: %w", path, err)
	}

	patients := make([]mpi.Patient, 0, len(f.Patients))
	for i, fp := range f.Patients {
		ref, err := uuid.Parse(fp.PatientRef)
		if err != nil {
			return nil, fmt.Errorf("patient %d: invalid patient_ref %q", i, fp.PatientRef)
		}
		dob, err := mpi.ParseDate(fp.DateOfBirth)
		if err != nil {
			return nil, fmt.Errorf("patient %d: %w", i, err)
		}
		patients = append(patients, mpi.Patient{
			PatientRef:  ref,
			Name:        fp.Name,
			Address:     fp.Address,
			NationalID:  fp.NationalID,
			DateOfBirth: dob,
			Phone:       fp.Phone,
		})
	}
	return patients, nil
}

// seedPatients syncs every patient in order. Conflicts are counted and
// skipped unless strict is set; any other error stops the run.
func seedPatients(ctx context.Context, engine *mpi.Engine, patients []mpi.Patient, logger zerolog.Logger, strict bool) (seedResult, error) {
	var res seedResult
	for _, p := range patients {
		err := engine.Sync(ctx, p)
		switch {
		case err == nil:
			res.Synced++
		case errors.Is(err, mpi.ErrConflict) && !strict:
			res.Conflicts++
			logger.Warn().Str("patient_ref", p.PatientRef.String()).Msg("skipping patient with conflicting national id")
		default:
			return res, fmt.Errorf("syncing patient %s: %w", p.PatientRef, err)
		}
	}
	return res, nil
}
