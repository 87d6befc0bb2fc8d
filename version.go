// Package mxverify contains the version information of the verification engine.
// The engine itself lives in crypto/verification.
package mxverify

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
)

const Version = "v0.1.0"

var GoModVersion = ""
var Commit = ""
var VersionWithCommit = Version

var DefaultUserAgent = "mxverify/" + Version + " go/" + strings.TrimPrefix(runtime.Version(), "go")

var goModVersionRegex = regexp.MustCompile(`v.+\d{14}-([0-9a-f]{12})`)

func init() {
	if GoModVersion != "" {
		match := goModVersionRegex.FindStringSubmatch(GoModVersion)
		if match != nil {
			Commit = match[1]
		}
	}
	if Commit != "" {
		VersionWithCommit = fmt.Sprintf("%s+dev.%s", Version, Commit[:8])
		DefaultUserAgent = strings.Replace(DefaultUserAgent, "mxverify/"+Version, "mxverify/"+VersionWithCommit, 1)
	}
}
