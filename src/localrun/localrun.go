// Package localrun is the simplest possible DownstreamRunner: it runs a
// command's argv as a real local subprocess and stages its declared outputs
// into the content store, the way a sandboxed build action would.
//
// It exists to give the Cached Runner demo binary something concrete to race
// the remote cache against; a production host would swap this out for its own
// sandboxed executor (e.g. please's src/process.Executor).
package localrun

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/remotecache/src/remotecache"
	"github.com/thought-machine/remotecache/src/store"
	"github.com/thought-machine/remotecache/src/trie"
)

// Runner runs commands as local subprocesses rooted at a scratch directory,
// then walks their declared outputs into a content-addressed store.
type Runner struct {
	store   store.Store
	workdir string
}

// New returns a Runner that executes commands under workdir and stages their
// outputs into st.
func New(st store.Store, workdir string) *Runner {
	return &Runner{store: st, workdir: workdir}
}

// Run implements remotecache.DownstreamRunner.
func (r *Runner) Run(ctx *remotecache.Context, cmd remotecache.CommandDescriptor) (remotecache.ExecutionResult, error) {
	start := time.Now()

	var argv []string
	var outputFiles, outputDirs []string
	var env []string
	var workingDirectory string
	if cmd.Command != nil {
		argv = cmd.Command.Arguments
		outputFiles = cmd.Command.OutputFiles
		outputDirs = cmd.Command.OutputDirectories
		workingDirectory = cmd.Command.WorkingDirectory
		for _, e := range cmd.Command.EnvironmentVariables {
			env = append(env, e.Name+"="+e.Value)
		}
	}

	dir := r.workdir
	if workingDirectory != "" {
		dir = filepath.Join(r.workdir, workingDirectory)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return remotecache.ExecutionResult{}, err
	}

	var stdout, stderr bytes.Buffer
	exitCode := int32(0)
	if len(argv) > 0 {
		c := exec.CommandContext(ctx.Context, argv[0], argv[1:]...)
		c.Dir = dir
		c.Env = env
		c.Stdout = &stdout
		c.Stderr = &stderr
		if err := c.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = int32(exitErr.ExitCode())
			} else {
				return remotecache.ExecutionResult{}, err
			}
		}
	}
	end := time.Now()

	stdoutDigest, err := r.store.StoreBlob(ctx.Context, stdout.Bytes())
	if err != nil {
		return remotecache.ExecutionResult{}, err
	}
	stderrDigest, err := r.store.StoreBlob(ctx.Context, stderr.Bytes())
	if err != nil {
		return remotecache.ExecutionResult{}, err
	}

	rootDigest, err := r.captureOutputs(ctx.Context, dir, outputFiles, outputDirs)
	if err != nil {
		return remotecache.ExecutionResult{}, err
	}

	return remotecache.ExecutionResult{
		ExitCode:              exitCode,
		StdoutDigest:          stdoutDigest,
		StderrDigest:          stderrDigest,
		OutputDirectoryDigest: rootDigest,
		Metadata: remotecache.ExecutionMetadata{
			Source:                remotecache.SourceRanLocally,
			ExecutionStartTime:    start,
			ExecutionCompleteTime: end,
		},
	}, nil
}

// captureOutputs walks every declared output path under dir into a
// DirectoryTrie, stores the resulting blobs, and returns the root digest.
func (r *Runner) captureOutputs(ctx context.Context, dir string, outputFiles, outputDirs []string) (repb.Digest, error) {
	tr := trie.New()

	insertFile := func(relPath string) error {
		data, err := os.ReadFile(filepath.Join(dir, relPath))
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		digest, err := r.store.StoreBlob(ctx, data)
		if err != nil {
			return err
		}
		info, err := os.Stat(filepath.Join(dir, relPath))
		if err != nil {
			return err
		}
		return tr.InsertFile(relPath, digest, info.Mode()&0o111 != 0)
	}

	for _, f := range outputFiles {
		if err := insertFile(f); err != nil {
			return repb.Digest{}, err
		}
	}
	for _, d := range outputDirs {
		root := filepath.Join(dir, d)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			return insertFile(rel)
		})
		if err != nil {
			return repb.Digest{}, err
		}
	}

	tree := tr.Flatten()
	rootDigest, rootBytes := trie.DigestProto(tree.Root)
	if _, err := r.store.StoreBlob(ctx, rootBytes); err != nil {
		return repb.Digest{}, err
	}
	for _, child := range tree.Children {
		_, b := trie.DigestProto(child)
		if _, err := r.store.StoreBlob(ctx, b); err != nil {
			return repb.Digest{}, err
		}
	}
	return rootDigest, nil
}
