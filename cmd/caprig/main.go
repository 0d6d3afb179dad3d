package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caprig/internal/app"
	"caprig/internal/config"
	"caprig/internal/db"
	"caprig/internal/engine"
	"caprig/internal/repo"
	"caprig/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "caprig",
	Short: "Caprig capture coordinator",
	Long: `Caprig coordinates multi-camera capture sessions and their processing queue.
Core concepts:
- Workspace: the .caprig directory holding the SQLite database; config lives in caprig.yml next to it.
- Session: one subject visit. It walks created -> calibration -> recording -> uploading -> processing -> done, with error as the escape hatch.
- Trial: a single take inside a session (calibration, neutral, or dynamic). Stopping a recording freezes how many device uploads the trial expects.
- Devices: phones join a session by redeeming a short-lived pairing code, then poll for state and upload into their own video slot.
- Queue: workers claim ready trials one at a time; a silent worker loses its claim after the staleness window and the trial re-enters the queue.
- Trash: sessions, trials, and subjects move to trash first; delete is permanent and cascades.
- Event log: every mutation is recorded, view with 'caprig log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAPRIG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(trialCmd())
	rootCmd.AddCommand(subjectCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is caprig.yml in the workspace: server address and auth, device poll cadence, pairing TTL, queue staleness, completion policy, trash retention, and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caprig.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage capture sessions",
		Long:  "Sessions are subject visits. Create one, pair devices with its code, record and stop trials, and watch the state advance as uploads land and workers finish processing.",
	}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionUpdateCmd())
	s.AddCommand(sessionStatusCmd())
	s.AddCommand(sessionRecordCmd())
	s.AddCommand(sessionStopCmd())
	s.AddCommand(sessionPairCmd())
	s.AddCommand(sessionCodesCmd())
	s.AddCommand(sessionDevicesCmd())
	s.AddCommand(trashCmd("session"))
	s.AddCommand(restoreCmd("session"))
	s.AddCommand(deleteCmd("session"))
	return s
}

func sessionCreateCmd() *cobra.Command {
	var opts engine.SessionCreateOptions
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and mint its first pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Metadata = meta
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, pc, err := e.CreateSession(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "pairing_code": pc})
				}
				fmt.Printf("Session %s created (state %s)\n", s.ID, s.State)
				fmt.Printf("Pairing code: %s (expires %s)\n", pc.Code, pc.ExpiresAt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "session id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.SubjectID, "subject", "", "subject id")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var f repo.SessionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessions, err := r.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Subject", "Lifecycle", "Created"})
				for _, s := range sessions {
					subject := ""
					if s.SubjectID != nil {
						subject = *s.SubjectID
					}
					tw.AppendRow(table.Row{s.ID, s.State, subject, s.Lifecycle, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.SubjectID, "subject", "", "subject filter")
	cmd.Flags().StringVar(&f.Lifecycle, "lifecycle", "active", "lifecycle filter (active, trashed, deleted)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionUpdateCmd() *cobra.Command {
	var subject string
	var clearSubject bool
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update session metadata or subject link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SessionUpdateOptions{
				ID:       args[0],
				Metadata: meta,
				ActorID:  viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("subject") {
				opts.SubjectSet = true
				opts.SubjectID = &subject
			}
			if clearSubject {
				opts.SubjectSet = true
				opts.SubjectID = nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateSession(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id to link")
	cmd.Flags().BoolVar(&clearSubject, "clear-subject", false, "unlink the subject")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func sessionStatusCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Poll session status (optionally as a device)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.PollStatus(ctx, args[0], deviceID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{"session": res.Session}
				if res.Trial != nil {
					out["trial"] = res.Trial
				}
				if res.Video != nil {
					out["video"] = res.Video
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Session %s: %s\n", res.Session.ID, res.Session.State)
				if res.Trial != nil {
					fmt.Printf("Trial %s (%s): %s\n", res.Trial.ID, res.Trial.Name, res.Trial.State)
				}
				if res.Video != nil {
					fmt.Printf("Video slot %s for device %s\n", res.Video.ID, res.Video.DeviceID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "poll as this paired device (creates its slot while recording)")
	return cmd
}

func sessionRecordCmd() *cobra.Command {
	var opts engine.RecordOptions
	cmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Start recording a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SessionID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartRecording(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "trial name (deduplicated per session)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "dynamic", "trial kind (calibration, neutral, dynamic)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func sessionStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop the open trial and freeze its expected upload count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StopRecording(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func sessionPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair <id>",
		Short: "Mint a fresh pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pc, err := e.MintPairingCode(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pc)
				}
				fmt.Printf("Pairing code: %s (expires %s)\n", pc.Code, pc.ExpiresAt)
				return nil
			})
		},
	}
	return cmd
}

func sessionCodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes <id>",
		Short: "List pairing codes for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				codes, err := e.ListPairingCodes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(codes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Expires", "Redeemed", "Device"})
				for _, pc := range codes {
					redeemed, device := "", ""
					if pc.RedeemedAt != nil {
						redeemed = *pc.RedeemedAt
					}
					if pc.DeviceID != nil {
						device = *pc.DeviceID
					}
					tw.AppendRow(table.Row{pc.Code, pc.ExpiresAt, redeemed, device})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sessionDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices <id>",
		Short: "List devices paired into a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				devices, err := e.ListDevices(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(devices)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Paired", "Last seen"})
				for _, d := range devices {
					tw.AppendRow(table.Row{d.ID, d.PairedAt, d.LastSeenAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func trialCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "trial",
		Short: "Manage trials",
		Long:  "Trials are single takes. They flow recording -> uploading -> ready -> processing -> done; cancel while recording or uploading, rename anytime.",
	}
	t.AddCommand(trialListCmd())
	t.AddCommand(trialShowCmd())
	t.AddCommand(trialRenameCmd())
	t.AddCommand(trialCancelCmd())
	t.AddCommand(trashCmd("trial"))
	t.AddCommand(restoreCmd("trial"))
	t.AddCommand(deleteCmd("trial"))
	return t
}

func trialListCmd() *cobra.Command {
	var f repo.TrialFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				trials, err := r.ListTrials(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trials)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Session", "Name", "Kind", "State", "Claimed by"})
				for _, t := range trials {
					claimed := ""
					if t.ClaimedBy != nil {
						claimed = *t.ClaimedBy
					}
					tw.AppendRow(table.Row{t.ID, t.SessionID, t.Name, t.Kind, t.State, claimed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Lifecycle, "lifecycle", "active", "lifecycle filter (active, trashed, deleted)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func trialShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a trial with its videos and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTrial(ctx, args[0])
				if err != nil {
					return err
				}
				videos, err := r.ListVideosByTrial(ctx, t.ID)
				if err != nil {
					return err
				}
				artifacts, err := r.ListResultsByTrial(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"trial":     t,
					"videos":    videos,
					"artifacts": artifacts,
				})
			})
		},
	}
	return cmd
}

func trialRenameCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "rename <id>",
		Short: "Rename a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RenameTrial(ctx, args[0], name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func trialCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a recording or uploading trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTrial(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func subjectCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "subject",
		Short: "Manage subjects",
	}
	s.AddCommand(subjectCreateCmd())
	s.AddCommand(subjectListCmd())
	s.AddCommand(subjectShowCmd())
	s.AddCommand(subjectUpdateCmd())
	s.AddCommand(trashCmd("subject"))
	s.AddCommand(restoreCmd("subject"))
	s.AddCommand(deleteCmd("subject"))
	return s
}

func subjectCreateCmd() *cobra.Command {
	var opts engine.SubjectCreateOptions
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Metadata = meta
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSubject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "subject id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func subjectListCmd() *cobra.Command {
	var lifecycle string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				subjects, err := r.ListSubjects(ctx, lifecycle, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subjects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Lifecycle", "Created"})
				for _, s := range subjects {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Lifecycle, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lifecycle, "lifecycle", "active", "lifecycle filter (active, trashed, deleted)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func subjectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSubject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func subjectUpdateCmd() *cobra.Command {
	var name string
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SubjectUpdateOptions{
				ID:       args[0],
				Metadata: meta,
				ActorID:  viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateSubject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func deviceCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "device",
		Short: "Act as a capture device",
		Long:  "Device commands drive the phone side locally: redeem a pairing code, poll with 'session status --device', and upload into a video slot.",
	}
	d.AddCommand(deviceRedeemCmd())
	d.AddCommand(deviceUploadCmd())
	return d
}

func deviceRedeemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redeem <code>",
		Short: "Redeem a pairing code and join its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RedeemPairingCode(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Device %s paired into session %s\n", d.ID, d.SessionID)
				return nil
			})
		},
	}
	return cmd
}

func deviceUploadCmd() *cobra.Command {
	var deviceID, storageRef, paramsJSON string
	cmd := &cobra.Command{
		Use:   "upload <video-id>",
		Short: "Register a finished upload for a video slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UploadOptions{
				VideoID:    args[0],
				StorageRef: storageRef,
				ParamsJSON: optionalString(paramsJSON),
				DeviceID:   deviceID,
				ActorID:    viper.GetString("actor-id"),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RegisterUpload(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "device id (must own the slot)")
	cmd.Flags().StringVar(&storageRef, "storage-ref", "", "storage reference of the uploaded file")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "camera parameters JSON")
	_ = cmd.MarkFlagRequired("storage-ref")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Processing queue operations",
		Long:  "Workers pull from here: claim the next ready trial, heartbeat while processing, then post a result. Stale claims are released by the sweeper or by hand.",
	}
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueClaimCmd())
	q.AddCommand(queueHeartbeatCmd())
	q.AddCommand(queueResultCmd())
	q.AddCommand(queueArtifactCmd())
	q.AddCommand(queueReleaseStaleCmd())
	q.AddCommand(queueWorkersCmd())
	return q
}

func queueStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show trial counts and stale claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				qs, err := e.QueueStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(qs)
				}
				fmt.Println("Trials:")
				for state, c := range qs.Counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				fmt.Printf("Stale claims: %d\n", qs.StaleClaims)
				return nil
			})
		},
	}
	return cmd
}

func queueClaimCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next ready trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ClaimNext(ctx, workerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Claimed {
					fmt.Println("queue empty")
					return nil
				}
				fmt.Printf("Claimed trial %s (%s) with %d videos\n", res.Trial.ID, res.Trial.Name, len(res.Videos))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func queueHeartbeatCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "heartbeat <trial-id>",
		Short: "Refresh a claim heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Heartbeat(ctx, args[0], workerID); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true})
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func queueResultCmd() *cobra.Command {
	var opts engine.ResultOptions
	cmd := &cobra.Command{
		Use:   "result <trial-id>",
		Short: "Post a processing result (success or failure)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TrialID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.IngestResult(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "worker id holding the claim")
	cmd.Flags().StringVar(&opts.ResultRef, "result-ref", "", "storage reference of the result bundle")
	cmd.Flags().StringVar(&opts.ErrorMessage, "error", "", "failure message (mutually exclusive with --result-ref)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func queueArtifactCmd() *cobra.Command {
	var opts engine.ArtifactOptions
	var metaJSON string
	cmd := &cobra.Command{
		Use:   "artifact <trial-id>",
		Short: "Attach an artifact to a claimed trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TrialID = args[0]
			opts.MetaJSON = optionalString(metaJSON)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddResultArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "worker id holding the claim")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "artifact tag")
	cmd.Flags().StringVar(&opts.StorageRef, "storage-ref", "", "storage reference")
	cmd.Flags().StringVar(&metaJSON, "meta-json", "", "artifact metadata JSON")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("tag")
	_ = cmd.MarkFlagRequired("storage-ref")
	return cmd
}

func queueReleaseStaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release-stale",
		Short: "Release claims whose heartbeat went silent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ReleaseStale(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"released": n})
				}
				fmt.Printf("Released %d stale claims\n", n)
				return nil
			})
		},
	}
	return cmd
}

func queueWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers that have claimed trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				workers, err := r.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "First seen", "Last claim"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.FirstSeenAt, w.LastClaimAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage operator API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name, actor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, name, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s created for %s\n", key.ID, key.ActorID)
				fmt.Printf("Key: %s\n", raw)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default: --actor-id)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := jwtSecret(e.Config)
				if secret == "" {
					return fmt.Errorf("server.jwt_secret or CAPRIG_JWT_SECRET is required")
				}
				token, err := server.SignActorToken(secret, subject, ttl, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": token, "subject": subject})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default: --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func adminCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "admin",
		Short: "Maintenance operations",
	}
	a.AddCommand(adminPurgeCmd())
	return a
}

func adminPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Permanently delete trashed entities past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeTrashed(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"purged": n})
				}
				fmt.Printf("Purged %d trashed entities\n", n)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if err := cfg.Validate(); err != nil {
				return err
			}
			e := ws.Engine
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(cfg),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret or CAPRIG_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			server.StartSweepers(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caprig API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- lifecycle helpers shared by session/trial/subject ---

func trashCmd(kind string) *cobra.Command {
	return &cobra.Command{
		Use:   "trash <id>",
		Short: "Move a " + kind + " to trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Trash(ctx, kind, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func restoreCmd(kind string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a trashed " + kind,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Restore(ctx, kind, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func deleteCmd(kind string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently delete a " + kind,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !viper.GetBool("force") {
				return fmt.Errorf("permanent delete requires --force")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.PermanentlyDelete(ctx, kind, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ws, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, repo.Repo{DB: ws.DB})
}

func jwtSecret(cfg *config.Config) string {
	if cfg != nil && cfg.Server.JWTSecret != "" {
		return cfg.Server.JWTSecret
	}
	return os.Getenv("CAPRIG_JWT_SECRET")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
