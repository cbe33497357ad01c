package main

import (
	"os"
	"runtime/debug"

	"github.com/duffcloud/vminit/pkg/boot"
	"github.com/duffcloud/vminit/pkg/utils"
	"github.com/samber/lo"
)

const defaultVersion = "unversioned"

var (
	commit    string
	version   = defaultVersion
	buildDate string
)

// main is PID 1: it runs the boot sequence to completion (supervisor mode
// blocks here until shutdown; replace mode never returns) and exits with
// the resulting code. A nonzero exit panics the kernel, which is the
// intended failure mode for an unrecoverable boot error (spec.md §6).
func main() {
	updateBuildInfo()

	opts := boot.OptionsFromCmdline(boot.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})

	os.Exit(boot.Run(opts))
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
		version = utils.SafeTruncate(commit, 7)
	}
	if t, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); ok {
		buildDate = t.Value
	}
}
