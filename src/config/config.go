// Package config reads the Cached Runner's configuration file, using the same
// gcfg-based .ini format and defaulting conventions as the wider Please tooling.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/please-build/gcfg"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/remotecache/src/cli"
	"github.com/thought-machine/remotecache/src/remotecache"
)

var log = logging.MustGetLogger("config")

// ConfigFileName is the default location the Cached Runner reads its config from,
// relative to the repo root it's invoked in.
const ConfigFileName = ".cachedrunner"

// Configuration holds every setting the Cached Runner accepts, whether set via
// the config file or overridden on the command line. Field names here are
// matched case-insensitively against the .ini section/key names by gcfg.
type Configuration struct {
	Cache struct {
		InstanceName  string       `help:"The REAPI instance name to pass on every request. Usually empty unless the remote service is multi-tenant."`
		ActionCache   cli.URL      `help:"Address of the remote action cache / CAS service, e.g. https://cache.example.com:443. An https:// prefix dials over TLS; any other address dials insecurely."`
		RootCACerts   string       `help:"Path to a PEM file of root CA certificates to trust when dialling the cache over TLS. If empty the system trust store is used." example:"ca.pem"`
		Read          bool         `help:"Whether to consult the remote cache before running actions locally."`
		Write         bool         `help:"Whether to write successful (or, with Scope=always, all) action results back to the remote cache."`
		ReadTimeout   cli.Duration `help:"Timeout applied to each GetActionResult lookup. Zero means no timeout." example:"2s"`
		Concurrency   int64        `help:"Maximum number of in-flight RPCs to the remote cache at any one time."`
	} `help:"The [cache] section configures how the Cached Runner talks to the remote action cache."`

	Content struct {
		Behavior string `help:"What to do with a cache hit's referenced blobs before trusting it: defer, validate, or fetch." options:"defer,validate,fetch"`
	} `help:"The [content] section controls how aggressively cache hits are verified against the CAS before being trusted."`

	Warnings struct {
		Behavior string `help:"How noisy to be about remote cache errors: ignore, firstonly, or backoff." options:"ignore,firstonly,backoff"`
	} `help:"The [warnings] section controls how remote cache read/write failures are logged."`

	Speculation struct {
		Delay cli.Duration `help:"How long to let a remote cache lookup run before it must win outright against an already-started local execution, rather than merely finishing first." example:"100ms"`
	} `help:"The [speculation] section controls the race between remote cache lookups and local execution."`

	Headers map[string]string `help:"Extra gRPC metadata headers to send with every request to the remote cache, e.g. for authentication.\n\n[headers]\nauthorization = Bearer abc123"`

	Metrics struct {
		PushGatewayURL cli.URL      `help:"URL of a Prometheus pushgateway to push metrics to. If empty, metrics are not pushed anywhere."`
		PushFrequency  cli.Duration `help:"How often to push metrics to the pushgateway. cached-runner does not read this setting; it pushes once, after the command has finished." example:"10s"`
	} `help:"The [metrics] section controls Prometheus metrics reporting."`
}

// DefaultConfiguration returns a Configuration populated with the Cached
// Runner's defaults, before any config file or flag overrides are applied.
func DefaultConfiguration() *Configuration {
	config := &Configuration{}
	config.Cache.Read = true
	config.Cache.Write = true
	config.Cache.Concurrency = 20
	config.Cache.ReadTimeout = cli.Duration(5 * time.Second)
	config.Content.Behavior = "defer"
	config.Warnings.Behavior = "backoff"
	config.Speculation.Delay = cli.Duration(0)
	config.Metrics.PushFrequency = cli.Duration(10 * time.Second)
	return config
}

// ReadConfigFiles reads each of the given files in turn, in order, merging
// their settings on top of the defaults. Missing files are not an error.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	return config, nil
}

func readConfigFile(config *Configuration, filename string) error {
	log.Debug("Reading config from %s...", filename)
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil
	} else if gcfg.FatalOnly(err) != nil {
		return err
	} else if err != nil {
		log.Warning("Error in config file: %s", err)
	}
	return nil
}

// CacheContentBehavior parses the Content.Behavior string into its typed form.
func (c *Configuration) CacheContentBehavior() (remotecache.CacheContentBehavior, error) {
	switch c.Content.Behavior {
	case "defer", "":
		return remotecache.Defer, nil
	case "validate":
		return remotecache.Validate, nil
	case "fetch":
		return remotecache.Fetch, nil
	default:
		return remotecache.Defer, fmt.Errorf("unknown content behaviour %q", c.Content.Behavior)
	}
}

// WarningsBehavior parses the Warnings.Behavior string into its typed form.
func (c *Configuration) WarningsBehavior() (remotecache.WarningsBehavior, error) {
	switch c.Warnings.Behavior {
	case "ignore":
		return remotecache.Ignore, nil
	case "firstonly":
		return remotecache.FirstOnly, nil
	case "backoff", "":
		return remotecache.Backoff, nil
	default:
		return remotecache.Ignore, fmt.Errorf("unknown warnings behaviour %q", c.Warnings.Behavior)
	}
}
