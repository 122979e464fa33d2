// Package version 提供构建信息，供 healthz 与启动日志输出版本指纹。
package version

import (
	"fmt"
	"runtime/debug"
)

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// 通过 -ldflags "-X tokenboard/internal/version.Version=..." 注入。
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

func Info() BuildInfo {
	bi := BuildInfo{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	}
	if bi.Commit == "none" {
		if info, ok := readBuildInfo(); ok {
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					bi.Commit = s.Value
				case "vcs.time":
					if bi.Date == "unknown" {
						bi.Date = s.Value
					}
				}
			}
		}
	}
	return bi
}

func (b BuildInfo) String() string {
	commit := b.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("%s (%s, %s)", b.Version, commit, b.Date)
}
