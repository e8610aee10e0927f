package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/range-sharding/chunkmover/pkg"
	"github.com/range-sharding/chunkmover/pkg/api"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
	"github.com/range-sharding/chunkmover/pkg/movlog"
)

var (
	moverEndpoint string

	migrationID      string
	recipientShardID string
	namespace        string
	minBound         string
	maxBound         string
	waitForDelete    bool
)

var rootCmd = &cobra.Command{
	Use: "moverctl -e localhost:7432",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Version:       pkg.MoverVersionRevision,
	SilenceUsage:  false,
	SilenceErrors: false,
}

func postCommand(path string, payload any, into any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s%s", moverEndpoint, path), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readAnswer(resp, into)
}

func getCommand(path string, into any) error {
	resp, err := http.Get(fmt.Sprintf("http://%s%s", moverEndpoint, path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readAnswer(resp, into)
}

func readAnswer(resp *http.Response, into any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Code != "" {
			return moverror.New(errResp.Code, errResp.Message)
		}
		return fmt.Errorf("mover answered %d: %s", resp.StatusCode, raw)
	}
	if into != nil {
		return json.Unmarshal(raw, into)
	}
	return nil
}

var startMigrationCmd = &cobra.Command{
	Use:   "StartMigration",
	Short: "start a chunk migration on the donor's mover",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.StartMigrationResponse
		if err := postCommand(api.StartMigrationPath, &api.StartMigrationRequest{
			MigrationID:      migrationID,
			RecipientShardID: recipientShardID,
			Namespace:        namespace,
			Min:              []byte(minBound),
			Max:              []byte(maxBound),
			WaitForDelete:    waitForDelete,
		}, &resp); err != nil {
			return err
		}
		fmt.Printf("-------------------------------------\n")
		fmt.Printf("started migration with id: %s\n", resp.MigrationID)
		fmt.Printf("-------------------------------------\n")
		return nil
	},
}

var commitMigrationCmd = &cobra.Command{
	Use:   "CommitMigration",
	Short: "commit a migration: the donor deletes the moved chunk",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postCommand(api.CommitMigrationPath, &api.MigrationIDRequest{MigrationID: migrationID}, nil); err != nil {
			return err
		}
		fmt.Printf("committed migration %s\n", migrationID)
		return nil
	},
}

var abortMigrationCmd = &cobra.Command{
	Use:   "AbortMigration",
	Short: "abort a migration: the recipient deletes the partial copy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postCommand(api.AbortMigrationPath, &api.MigrationIDRequest{MigrationID: migrationID}, nil); err != nil {
			return err
		}
		fmt.Printf("aborted migration %s\n", migrationID)
		return nil
	},
}

var listMigrationsCmd = &cobra.Command{
	Use:   "ListMigrations",
	Short: "list in-flight migration coordinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.ListMigrationsResponse
		if err := getCommand(api.ListMigrationsPath, &resp); err != nil {
			return err
		}
		fmt.Printf("-------------------------------------\n")
		fmt.Printf("%d migrations found\n", len(resp.Migrations))
		for _, m := range resp.Migrations {
			decision := m.Decision
			if decision == "" {
				decision = "undecided"
			}
			fmt.Printf("migration %s: %s [%s, %s) from %s to %s, %s\n",
				m.MigrationID, m.Namespace, m.Min, m.Max, m.DonorShardID, m.RecipientShardID, decision)
		}
		fmt.Printf("-------------------------------------\n")
		return nil
	},
}

var listTasksCmd = &cobra.Command{
	Use:   "ListTasks",
	Short: "list persisted range deletion tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.ListTasksResponse
		if err := getCommand(api.ListTasksPath, &resp); err != nil {
			return err
		}
		fmt.Printf("-------------------------------------\n")
		fmt.Printf("%d range deletion tasks found\n", len(resp.Tasks))
		for _, task := range resp.Tasks {
			state := "ready"
			if task.Pending {
				state = "pending"
			}
			fmt.Printf("task %s: %s [%s, %s) urgency %s, %s\n",
				task.TaskID, task.Namespace, task.Min, task.Max, task.Urgency, state)
		}
		fmt.Printf("-------------------------------------\n")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "Sweep",
	Short: "re-submit decided range deletion tasks to the cleanup scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.SweepResponse
		if err := postCommand(api.SweepPath, struct{}{}, &resp); err != nil {
			return err
		}
		fmt.Printf("submitted %d range deletion tasks\n", resp.SubmittedTasks)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "Resume",
	Short: "re-drive decided migration coordinations to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.ResumeResponse
		if err := postCommand(api.ResumePath, struct{}{}, &resp); err != nil {
			return err
		}
		fmt.Printf("resumed %d migrations\n", resp.ResumedMigrations)
		return nil
	},
}

var dropCollectionCmd = &cobra.Command{
	Use:   "DropCollection",
	Short: "drop a namespace and its range deletion tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.DropCollectionResponse
		if err := postCommand(api.DropCollectionPath, &api.DropCollectionRequest{Namespace: namespace}, &resp); err != nil {
			return err
		}
		fmt.Printf("dropped collection of namespace %s, removed %d tasks\n", namespace, resp.RemovedTasks)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "Stats",
	Short: "show mover operation statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap map[string]any
		if err := getCommand(api.StatsPath, &snap); err != nil {
			return err
		}
		pretty, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(pretty))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&moverEndpoint, "endpoint", "e", "localhost:7432", "mover HTTP endpoint")

	startMigrationCmd.Flags().StringVar(&migrationID, "migration-id", "", "migration id, generated when empty")
	startMigrationCmd.Flags().StringVar(&recipientShardID, "to", "", "recipient shard id")
	startMigrationCmd.Flags().StringVar(&namespace, "namespace", "", "namespace of the chunk")
	startMigrationCmd.Flags().StringVar(&minBound, "min", "", "inclusive lower bound of the chunk")
	startMigrationCmd.Flags().StringVar(&maxBound, "max", "", "exclusive upper bound of the chunk")
	startMigrationCmd.Flags().BoolVar(&waitForDelete, "wait-for-delete", false, "commit waits for the donor side deletion")

	commitMigrationCmd.Flags().StringVar(&migrationID, "migration-id", "", "migration id")
	abortMigrationCmd.Flags().StringVar(&migrationID, "migration-id", "", "migration id")
	dropCollectionCmd.Flags().StringVar(&namespace, "namespace", "", "namespace to drop")

	rootCmd.AddCommand(startMigrationCmd)
	rootCmd.AddCommand(commitMigrationCmd)
	rootCmd.AddCommand(abortMigrationCmd)
	rootCmd.AddCommand(listMigrationsCmd)
	rootCmd.AddCommand(listTasksCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(dropCollectionCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		movlog.Zero.Fatal().Err(err).Msg("")
	}
}
