package execapi

import (
	"sort"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/remotecache/src/trie"
)

// CommandSpec describes the downstream process execution the middleware is
// racing a cache lookup for, in exactly the terms the REAPI Action/Command
// digests are computed from. It is the middleware's own request shape, not a
// wire type, since callers build it from whatever local process-execution
// abstraction they already have.
type CommandSpec struct {
	Argv             []string
	Env              map[string]string
	WorkingDirectory string
	OutputFiles      []string // declared relative output file paths
	OutputDirectories []string // declared relative output directory paths
	Platform         map[string]string
	InputRootDigest  repb.Digest // digest of the pb.Directory/Tree describing inputs
}

// BuildCommand renders a CommandSpec into the REAPI pb.Command proto. Field
// order within repeated EnvironmentVariable/Platform entries is sorted for
// determinism, since the Command's digest is part of the cache key (two
// logically-identical commands must hash identically regardless of map
// iteration order). Grounded on please's buildCommand in src/remote/action.go.
func BuildCommand(spec CommandSpec) *repb.Command {
	cmd := &repb.Command{
		Arguments:        append([]string{}, spec.Argv...),
		OutputFiles:      append([]string{}, spec.OutputFiles...),
		OutputDirectories: append([]string{}, spec.OutputDirectories...),
		WorkingDirectory: spec.WorkingDirectory,
	}
	sort.Strings(cmd.OutputFiles)
	sort.Strings(cmd.OutputDirectories)

	envNames := sortedKeys(spec.Env)
	for _, k := range envNames {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &repb.Command_EnvironmentVariable{
			Name: k, Value: spec.Env[k],
		})
	}
	if len(spec.Platform) > 0 {
		cmd.Platform = &repb.Platform{}
		for _, k := range sortedKeys(spec.Platform) {
			cmd.Platform.Properties = append(cmd.Platform.Properties, &repb.Platform_Property{
				Name: k, Value: spec.Platform[k],
			})
		}
	}
	return cmd
}

// ActionDigest computes the digest of the REAPI Action for a built Command and
// its input root, along with the Action and Command blobs that must be
// present in the CAS before an UpdateActionResult or GetActionResult call.
func ActionDigest(cmd *repb.Command, inputRootDigest repb.Digest) (actionDigest repb.Digest, blobs map[string][]byte) {
	commandDigest, commandBytes := trie.DigestProto(cmd)
	root := inputRootDigest
	action := &repb.Action{
		CommandDigest:   &commandDigest,
		InputRootDigest: &root,
	}
	ad, actionBytes := trie.DigestProto(action)
	return ad, map[string][]byte{
		commandDigest.Hash: commandBytes,
		ad.Hash:             actionBytes,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
