// Command cached-runner is a thin demonstration host for the remotecache
// middleware: it wires up a remote action-cache client, a local content
// store, and a local subprocess runner, then executes whatever argv was
// passed on the command line through remotecache.Runner.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/thought-machine/remotecache/src/cli"
	"github.com/thought-machine/remotecache/src/config"
	"github.com/thought-machine/remotecache/src/execapi"
	"github.com/thought-machine/remotecache/src/localrun"
	"github.com/thought-machine/remotecache/src/observability"
	"github.com/thought-machine/remotecache/src/remotecache"
	"github.com/thought-machine/remotecache/src/store"
	"github.com/thought-machine/remotecache/src/tasks"
	"github.com/thought-machine/remotecache/src/trie"
)

var log = logging.MustGetLogger("cached-runner")

var opts struct {
	Usage      string        `usage:"cached-runner executes a command through a remote-cache-backed middleware layer, demonstrating the Cached Runner design."`
	ConfigFile string        `long:"config" description:"Path to the config file to read." default:".cachedrunner"`
	Verbosity  cli.Verbosity `short:"v" long:"verbosity" description:"Verbosity of logging output." default:"notice"`
	Scope      string        `long:"scope" description:"Cache scope for this invocation: successful, always, or never." default:"successful"`
	WorkDir    string        `long:"workdir" description:"Scratch directory to run the command in." default:"cached-runner-work"`
	Args       struct {
		Command []string `positional-arg-name:"command" description:"Command (and arguments) to run"`
	} `positional-args:"true" required:"true"`
}

func main() {
	cli.ParseFlagsOrDie("cached-runner", "1.0.0", &opts)

	cli.InitLogging(opts.Verbosity)

	if _, err := maxprocs.Set(maxprocs.Logger(log.Infof)); err != nil {
		log.Warning("Failed to set GOMAXPROCS: %s", err)
	}

	cfg, err := config.ReadConfigFiles([]string{opts.ConfigFile})
	if err != nil {
		log.Fatalf("Failed to read config: %s", err)
	}

	contentBehavior, err := cfg.CacheContentBehavior()
	if err != nil {
		log.Fatalf("Invalid content behaviour: %s", err)
	}
	warningsBehavior, err := cfg.WarningsBehavior()
	if err != nil {
		log.Fatalf("Invalid warnings behaviour: %s", err)
	}

	ctx := context.Background()
	client, err := execapi.Dial(ctx, cfg.Cache.ActionCache, cfg.Cache.RootCACerts, cfg.Headers, cfg.Cache.InstanceName, cfg.Cache.Concurrency)
	if err != nil {
		log.Fatalf("Failed to dial remote cache: %s", err)
	}
	defer client.Close()

	contentStore := store.NewMemStore()
	obs := observability.NewStore("cached_runner", string(cfg.Metrics.PushGatewayURL))
	pool := tasks.NewPool(4)
	defer pool.Shutdown()

	downstream := localrun.New(contentStore, opts.WorkDir)
	runner := remotecache.NewRunner(downstream, contentStore, client, obs, remotecache.Config{
		InstanceName:         cfg.Cache.InstanceName,
		CacheRead:            cfg.Cache.Read,
		CacheWrite:           cfg.Cache.Write,
		WarningsBehavior:     warningsBehavior,
		CacheContentBehavior: contentBehavior,
		ReadTimeout:          time.Duration(cfg.Cache.ReadTimeout),
	})

	scope := parseScope(opts.Scope)
	emptyInputRoot := trie.DigestBlob(nil)
	cmd := execapi.BuildCommand(execapi.CommandSpec{Argv: opts.Args.Command})
	actionDigest, blobs := execapi.ActionDigest(cmd, emptyInputRoot)
	for _, blob := range blobs {
		if _, err := contentStore.StoreBlob(ctx, blob); err != nil {
			log.Fatalf("Failed to stage command/action blobs: %s", err)
		}
	}

	req := remotecache.Request{
		Command: remotecache.CommandDescriptor{
			Command:         cmd,
			InputRootDigest: emptyInputRoot,
			ActionDigest:    actionDigest,
		},
		CacheScope:       scope,
		SpeculationDelay: time.Duration(cfg.Speculation.Delay),
	}

	rcCtx := remotecache.NewContext(ctx, fmt.Sprintf("cached-runner-%d", os.Getpid()), pool)
	result, err := runner.Run(rcCtx, req)
	if err != nil {
		log.Fatalf("Run failed: %s", err)
	}

	// os.Exit skips deferred calls, so wait for write-back and push metrics here.
	pool.Shutdown()
	obs.Flush()

	log.Notice("Exit code %d, source=%s", result.ExitCode, result.Metadata.Source)
	os.Exit(int(result.ExitCode))
}

func parseScope(s string) remotecache.CacheScope {
	switch s {
	case "always":
		return remotecache.CacheScopeAlways
	case "never":
		return remotecache.CacheScopeNever
	default:
		return remotecache.CacheScopeSuccessful
	}
}
