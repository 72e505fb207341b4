package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/ops"
	"github.com/hpungsan/consult/internal/pattern"
	"github.com/hpungsan/consult/internal/web"
)

// defaultServeAddr is used by the serve command when metrics_addr is unset.
const defaultServeAddr = "127.0.0.1:8787"

// newCLIApp creates the CLI application with all commands.
// core may be nil when only help or version output is requested.
func newCLIApp(core *ops.Core) *cli.App {
	app := &cli.App{
		Name:    "consult",
		Usage:   "Consultation orchestration core",
		Version: Version,
		Commands: []*cli.Command{
			startCmd(core),
			messageCmd(core),
			reviewCmd(core),
			stageCmd(core),
			symptomsCmd(core),
			timeoutCmd(core),
			endCmd(core),
			showCmd(core),
			purgeCmd(core),
			cacheCmd(core),
			patternCmd(core),
			serveCmd(core),
		},
		// Repeated --history values may contain commas.
		DisableSliceFlagSeparator: true,
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// startCmd creates the start command.
func startCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a consultation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "Patient id"},
			&cli.StringFlag{Name: "doctor", Aliases: []string{"d"}, Required: true, Usage: "Doctor persona id"},
			&cli.StringFlag{Name: "id", Usage: "Conversation id (generated when omitted)"},
		},
		Action: func(c *cli.Context) error {
			output, err := core.StartConversation(c.Context, ops.StartConversationInput{
				ID:       c.String("id"),
				UserID:   c.String("user"),
				DoctorID: c.String("doctor"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// messageCmd creates the message command.
func messageCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:      "message",
		Usage:     "Submit a patient message (--text or stdin)",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Usage: "Message text"},
			&cli.StringSliceFlag{Name: "history", Usage: "Earlier patient message, oldest first (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "conversation id")
			if err != nil {
				return outputError(err)
			}
			text, err := textInput(c, "message")
			if err != nil {
				return outputError(err)
			}

			output, err := core.SubmitMessage(c.Context, ops.SubmitMessageInput{
				ConversationID: id,
				Message:        text,
				History:        c.StringSlice("history"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// reviewCmd creates the review command.
func reviewCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:      "review",
		Usage:     "Analyze a generated doctor reply (--text or stdin)",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Usage: "Reply text"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "conversation id")
			if err != nil {
				return outputError(err)
			}
			text, err := textInput(c, "reply")
			if err != nil {
				return outputError(err)
			}

			output, err := core.ReviewReply(c.Context, ops.ReviewReplyInput{ConversationID: id, Reply: text})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// stageCmd creates the stage command.
func stageCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:      "stage",
		Usage:     "Move a conversation to another stage",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stage", Aliases: []string{"s"}, Required: true, Usage: "Target stage, e.g. DIAGNOSIS"},
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Transition reason"},
			&cli.Float64Flag{Name: "confidence", Usage: "Transition confidence 0..1 (default 1.0)"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "conversation id")
			if err != nil {
				return outputError(err)
			}

			input := ops.SetStageInput{
				ConversationID: id,
				Stage:          strings.ToUpper(c.String("stage")),
				Reason:         c.String("reason"),
			}
			if c.IsSet("confidence") {
				confidence := c.Float64("confidence")
				input.Confidence = &confidence
			}

			output, err := core.SetStage(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// symptomsCmd creates the symptoms command.
func symptomsCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:      "symptoms",
		Usage:     "Merge symptoms into a conversation",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "add", Aliases: []string{"a"}, Required: true, Usage: "Comma-separated symptoms"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "conversation id")
			if err != nil {
				return outputError(err)
			}

			output, err := core.AddSymptoms(c.Context, ops.AddSymptomsInput{
				ConversationID: id,
				Symptoms:       parseList(c.String("add")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// timeoutCmd creates the timeout command.
func timeoutCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:      "timeout",
		Usage:     "Apply the inactivity timeouts to a conversation",
		ArgsUsage: "<conversation-id>",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "conversation id")
			if err != nil {
				return outputError(err)
			}

			output, err := core.CheckTimeout(c.Context, ops.CheckTimeoutInput{ConversationID: id})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// endCmd creates the end command.
func endCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:      "end",
		Usage:     "End a conversation and record a summary",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Value: "MANUAL", Usage: "End type, e.g. NATURAL, TIMEOUT, EMERGENCY"},
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "End reason"},
			&cli.IntFlag{Name: "satisfaction", Usage: "Patient satisfaction 1..5"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "conversation id")
			if err != nil {
				return outputError(err)
			}

			input := ops.EndConversationInput{
				ConversationID: id,
				EndType:        strings.ToUpper(c.String("type")),
				Reason:         c.String("reason"),
			}
			if c.IsSet("satisfaction") {
				satisfaction := c.Int("satisfaction")
				input.Satisfaction = &satisfaction
			}

			output, err := core.EndConversation(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// showCmd creates the show command.
func showCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show a conversation snapshot",
		ArgsUsage: "<conversation-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "summaries", Usage: "Include end summaries"},
		},
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "conversation id")
			if err != nil {
				return outputError(err)
			}

			output, err := core.GetConversation(c.Context, ops.GetConversationInput{
				ConversationID:   id,
				IncludeSummaries: c.Bool("summaries"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Permanently delete ended conversations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "older-than", Usage: "Only purge if inactive for more than N days (e.g., 7d)"},
		},
		Action: func(c *cli.Context) error {
			input := ops.PurgeInput{}

			if olderThan := c.String("older-than"); olderThan != "" {
				days, err := parseDuration(olderThan)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.OlderThanDays = &days
			}

			output, err := core.Purge(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// cacheCmd groups the response cache commands.
func cacheCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Query and fill the response cache",
		Subcommands: []*cli.Command{
			{
				Name:  "lookup",
				Usage: "Look up a cached answer",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Required: true, Usage: "Patient query"},
					&cli.StringFlag{Name: "doctor", Aliases: []string{"d"}, Required: true, Usage: "Doctor persona id"},
					&cli.StringFlag{Name: "stage", Usage: "Stage context"},
				},
				Action: func(c *cli.Context) error {
					output, err := core.CacheLookup(c.Context, ops.CacheLookupInput{
						Query:        c.String("query"),
						DoctorID:     c.String("doctor"),
						StageContext: c.String("stage"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:  "store",
				Usage: "Cache an answer (reads the answer from stdin)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Required: true, Usage: "Patient query"},
					&cli.StringFlag{Name: "doctor", Aliases: []string{"d"}, Required: true, Usage: "Doctor persona id"},
					&cli.StringFlag{Name: "stage", Usage: "Stage context"},
					&cli.StringFlag{Name: "refs", Usage: "Comma-separated references, e.g. pattern ids"},
					&cli.Float64Flag{Name: "rating", Usage: "Answer rating 0..5"},
				},
				Action: func(c *cli.Context) error {
					if !stdinHasData() {
						return outputError(errors.NewInvalidRequest("payload must be piped via stdin"))
					}
					payload, err := readStdin()
					if err != nil {
						return outputError(errors.NewInternal(err))
					}

					input := ops.CacheStoreInput{
						Query:        c.String("query"),
						DoctorID:     c.String("doctor"),
						Payload:      payload,
						AuxRefs:      parseList(c.String("refs")),
						StageContext: c.String("stage"),
					}
					if c.IsSet("rating") {
						rating := c.Float64("rating")
						input.Rating = &rating
					}

					output, err := core.CacheStore(c.Context, input)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:  "stats",
				Usage: "Show cache counters",
				Action: func(c *cli.Context) error {
					output, err := core.CacheStats(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
		},
	}
}

// patternCmd groups the clinical pattern commands.
func patternCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:  "pattern",
		Usage: "Match, author and exchange clinical patterns",
		Subcommands: []*cli.Command{
			{
				Name:  "match",
				Usage: "Rank stored patterns against a case",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "conversation", Aliases: []string{"c"}, Usage: "Take symptoms and owner from this conversation"},
					&cli.StringFlag{Name: "label", Aliases: []string{"l"}, Usage: "Suspected disease label"},
					&cli.StringFlag{Name: "symptoms", Aliases: []string{"s"}, Usage: "Comma-separated symptoms"},
					&cli.StringFlag{Name: "narrative", Aliases: []string{"n"}, Usage: "Free-text case description"},
					&cli.StringFlag{Name: "owner", Aliases: []string{"o"}, Usage: "Doctor id whose patterns are tried first"},
					&cli.Float64Flag{Name: "min-score", Usage: "Minimum score 0..1"},
					&cli.IntFlag{Name: "limit", Value: 5, Usage: "Maximum matches"},
				},
				Action: func(c *cli.Context) error {
					output, err := core.MatchPatterns(c.Context, ops.MatchPatternsInput{
						ConversationID: c.String("conversation"),
						Label:          c.String("label"),
						Symptoms:       parseList(c.String("symptoms")),
						Narrative:      c.String("narrative"),
						Owner:          c.String("owner"),
						MinScore:       c.Float64("min-score"),
						Limit:          c.Int("limit"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:      "get",
				Usage:     "Show a stored pattern",
				ArgsUsage: "<pattern-id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "pattern id")
					if err != nil {
						return outputError(err)
					}
					output, err := core.GetPattern(c.Context, ops.GetPatternInput{ID: id})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:  "list",
				Usage: "List stored patterns",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Aliases: []string{"o"}, Usage: "Owner filter (\"__shared__\" for the shared pool)"},
				},
				Action: func(c *cli.Context) error {
					input := ops.ListPatternsInput{}
					if owner := c.String("owner"); owner != "" {
						input.Owner = &owner
					}
					output, err := core.ListPatterns(c.Context, input)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:  "put",
				Usage: "Store a pattern (reads pattern JSON from stdin)",
				Action: func(c *cli.Context) error {
					if !stdinHasData() {
						return outputError(errors.NewInvalidRequest("pattern JSON must be piped via stdin"))
					}
					raw, err := readStdin()
					if err != nil {
						return outputError(errors.NewInternal(err))
					}
					var p pattern.Pattern
					if err := json.Unmarshal([]byte(raw), &p); err != nil {
						return outputError(errors.NewInvalidRequest(fmt.Sprintf("invalid pattern JSON: %v", err)))
					}

					output, err := core.PutPattern(c.Context, ops.PutPatternInput{Pattern: p})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:      "record",
				Usage:     "Record one use of a pattern",
				ArgsUsage: "<pattern-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "success", Usage: "The pattern helped"},
					&cli.StringFlag{Name: "feedback", Aliases: []string{"f"}, Usage: "Free-text feedback"},
				},
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, "pattern id")
					if err != nil {
						return outputError(err)
					}
					output, err := core.RecordPatternUsage(c.Context, ops.RecordPatternUsageInput{
						ID:       id,
						Success:  c.Bool("success"),
						Feedback: c.String("feedback"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:  "import",
				Usage: "Import patterns from a .jsonl export or a .md document",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
					&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace|rename"},
				},
				Action: func(c *cli.Context) error {
					output, err := core.ImportPatterns(c.Context, ops.ImportInput{
						Path: c.String("path"),
						Mode: ops.ImportMode(c.String("mode")),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:  "export",
				Usage: "Export patterns to a JSONL file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.consult/imports/patterns-<owner>-<timestamp>.jsonl)"},
					&cli.StringFlag{Name: "owner", Aliases: []string{"o"}, Usage: "Owner filter"},
				},
				Action: func(c *cli.Context) error {
					input := ops.ExportInput{Path: c.String("path")}
					if owner := c.String("owner"); owner != "" {
						input.Owner = &owner
					}
					output, err := core.ExportPatterns(c.Context, input)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(core *ops.Core) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP status API and metrics in the foreground",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default: metrics_addr or " + defaultServeAddr + ")"},
		},
		Action: func(c *cli.Context) error {
			addr := c.String("addr")
			if addr == "" {
				addr = core.Config.MetricsAddr
			}
			if addr == "" {
				addr = defaultServeAddr
			}
			srv := web.NewServer(core, core.Metrics, Version, addr)
			if err := web.Run(srv, core.Logger); err != nil {
				return outputError(errors.NewServiceUnavailable("http", err))
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if cErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", cErr.Code, cErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// requireArg returns the first positional argument.
func requireArg(c *cli.Context, what string) (string, error) {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return "", errors.NewInvalidRequest(what + " argument is required")
	}
	return id, nil
}

// textInput returns --text, falling back to piped stdin.
func textInput(c *cli.Context, what string) (string, error) {
	if text := strings.TrimSpace(c.String("text")); text != "" {
		return text, nil
	}
	if !stdinHasData() {
		return "", errors.NewInvalidRequest(what + " must be passed with --text or piped via stdin")
	}
	text, err := readStdin()
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if text == "" {
		return "", errors.NewInvalidRequest(what + " is required")
	}
	return text, nil
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseList splits a comma-separated string into trimmed, non-empty items.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			items = append(items, t)
		}
	}
	return items
}

// parseDuration parses "7d" format to days.
func parseDuration(s string) (int, error) {
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return days, nil
	}
	return 0, fmt.Errorf("duration must end with 'd' (days), e.g., 7d")
}
