package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aulasonora/aulasonora/pkg/cmd/archive"
	"github.com/aulasonora/aulasonora/pkg/cmd/generate"
	"github.com/aulasonora/aulasonora/pkg/cmd/migrate"
	"github.com/aulasonora/aulasonora/pkg/cmd/reference"
	"github.com/aulasonora/aulasonora/pkg/cmd/web"
	"github.com/aulasonora/aulasonora/pkg/generator"
	"github.com/aulasonora/aulasonora/pkg/replicate"
	"github.com/aulasonora/aulasonora/pkg/service"
	"github.com/peterbourgon/ff/ffyaml"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

const envPrefix = "AULASONORA"

func New(version, commit, date string) *ffcli.Command {
	fs := flag.NewFlagSet("aulasonora", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "aulasonora [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(version, commit, date),
			newMigrateCommand(),
			newArchiveCommand(),
			newReferenceCommand(),
			newGenerateCommand(),
			newServeCommand(),
		},
	}
}

func newVersionCommand(version, commit, date string) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "aulasonora version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if commit != "" {
				versionFields = append(versionFields, commit)
			}
			if date != "" {
				versionFields = append(versionFields, date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

func newMigrateCommand() *ffcli.Command {
	cmd := "migrate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &migrate.Config{}

	fs.StringVar(&cfg.DBType, "db-type", "sqlite", "db type (sqlite, mysql, postgres)")
	fs.StringVar(&cfg.DBConn, "db-conn", "aulasonora.db", "path for sqlite, dsn for mysql or postgres")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("aulasonora %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "create or update the database schema",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return migrate.Run(ctx, cfg)
		},
	}
}

func newArchiveCommand() *ffcli.Command {
	cmd := "archive"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &archive.Config{}

	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.DBType, "db-type", "sqlite", "db type (sqlite, mysql, postgres)")
	fs.StringVar(&cfg.DBConn, "db-conn", "aulasonora.db", "path for sqlite, dsn for mysql or postgres")
	fs.DurationVar(&cfg.After, "after", 24*time.Hour, "archive generated songs older than this")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("aulasonora %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "archive old generated songs",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return archive.Run(ctx, cfg)
		},
	}
}

func newReferenceCommand() *ffcli.Command {
	cmd := "reference"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &reference.Config{}

	fs.StringVar(&cfg.UploadDir, "upload-dir", filepath.Join("static", "music"), "upload root holding the system references")
	fs.StringVar(&cfg.LogsDir, "logs-dir", "logs", "audit log directory (empty disables auditing)")
	fs.StringVar(&cfg.User, "user", "admin", "identity recorded in the audit log")
	fs.StringVar(&cfg.Voice, "voice", "", "mp3 file to install as voice reference")
	fs.StringVar(&cfg.Style, "style", "", "mp3 or wav file to install as fallback style reference")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("aulasonora %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "install or show voice and style references",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return reference.Run(ctx, cfg)
		},
	}
}

func serviceFlags(fs *flag.FlagSet, cfg *service.Config) {
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.StringVar(&cfg.DBType, "db-type", "sqlite", "db type (sqlite, mysql, postgres)")
	fs.StringVar(&cfg.DBConn, "db-conn", "aulasonora.db", "path for sqlite, dsn for mysql or postgres")
	fs.StringVar(&cfg.FSType, "fs-type", "local", "fs type (local, s3)")
	fs.StringVar(&cfg.FSConn, "fs-conn", "", "path for local (defaults to upload dir), key:secret@bucket.region for s3")

	fs.StringVar(&cfg.UploadDir, "upload-dir", filepath.Join("static", "music"), "upload root for artifacts and system references")
	fs.StringVar(&cfg.TempDir, "temp-dir", "", "directory for downloads in progress (default system temp)")
	fs.StringVar(&cfg.LogsDir, "logs-dir", "logs", "audit log directory (empty disables auditing)")

	fs.StringVar(&cfg.ReplicateToken, "replicate-token", "", "replicate api token")
	fs.StringVar(&cfg.ReplicateURL, "replicate-url", "", "replicate api base url")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", replicate.DefaultPollInterval, "interval between status reads")
	fs.IntVar(&cfg.PollAttempts, "poll-attempts", replicate.DefaultMaxAttempts, "status reads before giving up")
	fs.DurationVar(&cfg.Timeout, "generation-timeout", 0, "overall generation timeout (0 means poll attempts only)")
	fs.DurationVar(&cfg.StyleTimeout, "style-timeout", 0, "style synthesis timeout before using fallbacks (0 means no timeout)")

	fs.StringVar(&cfg.InstrumentalModel, "instrumental-model", "meta/musicgen", "instrumental model (owner/name)")
	fs.StringVar(&cfg.InstrumentalVersion, "instrumental-version", generator.DefaultInstrumentalVersion, "instrumental model_version input")
	fs.StringVar(&cfg.VocalModel, "vocal-model", "minimax/music-01", "vocal model (owner/name)")
	fs.StringVar(&cfg.OutputFormat, "output-format", generator.DefaultOutputFormat, "instrumental output format hint")

	fs.StringVar(&cfg.OpenAIKey, "openai-key", "", "openai key to classify prompts (optional)")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", "", "openai chat model")
	fs.StringVar(&cfg.OpenAIURL, "openai-url", "", "openai compatible base url")
}

func newGenerateCommand() *ffcli.Command {
	cmd := "generate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &generate.Config{}
	serviceFlags(fs, &cfg.Service)

	fs.DurationVar(&cfg.Timeout, "timeout", 0, "timeout for the process (0 means no timeout)")
	fs.IntVar(&cfg.Concurrency, "concurrency", 1, "number of concurrent generations")
	fs.IntVar(&cfg.Limit, "limit", 0, "limit the number of generations (0 means no limit)")
	fs.StringVar(&cfg.User, "user", "cli", "identity recorded with the songs")

	fs.StringVar(&cfg.Input, "input", "", "csv, json or yaml with songs (fields: user,prompt,mode,lyrics,duration)")
	fs.StringVar(&cfg.Prompt, "prompt", "", "prompt to use")
	fs.StringVar(&cfg.Mode, "mode", "instrumental", "instrumental or vocal")
	fs.StringVar(&cfg.Lyrics, "lyrics", "", "lyrics for vocal songs")
	fs.IntVar(&cfg.Duration, "duration", generator.DefaultDuration, "instrumental duration in seconds")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("aulasonora %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "generate songs from a prompt or an input file",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return generate.Run(ctx, cfg)
		},
	}
}

func newServeCommand() *ffcli.Command {
	cmd := "serve"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &web.Config{}
	serviceFlags(fs, &cfg.Service)

	fs.StringVar(&cfg.Addr, "addr", ":1337", "address to listen on")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Minute, "maximum time per request")
	fsMapVar(fs, &cfg.Credentials, "creds", nil, "credentials to use (comma separated) Example: user1:pass1,user2:pass2")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("aulasonora %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "serve the generation api and the generated songs",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return web.Serve(ctx, cfg)
		},
	}
}

type mapValue struct {
	v *map[string]string
}

func (m *mapValue) String() string {
	if m.v == nil {
		return ""
	}
	return fmt.Sprintf("%v", map[string]string(*m.v))
}

func (m *mapValue) Set(value string) error {
	if m.v == nil {
		return errors.New("nil map reference")
	}
	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid map entry: %s", pair)
		}
		(*m.v)[parts[0]] = parts[1]
	}
	return nil
}

func fsMapVar(fs *flag.FlagSet, p *map[string]string, name string, value map[string]string, usage string) {
	if value == nil {
		value = make(map[string]string)
	}
	*p = value
	fs.Var(&mapValue{p}, name, usage)
}
