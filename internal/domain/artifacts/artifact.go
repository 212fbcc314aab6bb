// Package artifacts defines the domain model for sweeping CI build artifacts
// for leaked credentials: the artifacts themselves, the scope of a run, the
// findings it produces, and the ports the pipeline depends on.
package artifacts

import (
	"fmt"
	"strconv"
)

// Descriptor identifies one downloadable archive produced by a repository's
// CI run. It is sourced entirely from the remote listing and never persisted.
type Descriptor struct {
	ID   int64
	Name string
}

// StagedName is the file name a downloaded archive is stored under. The
// existence of this file in a staging directory is the only signal that the
// artifact has already been fetched.
func (d Descriptor) StagedName() string {
	return strconv.FormatInt(d.ID, 10) + ".zip"
}

func (d Descriptor) String() string { return fmt.Sprintf("%s (%d)", d.Name, d.ID) }

// Finding is a single whitespace-delimited token from a single line that
// matched one of the configured rules.
type Finding struct {
	SourceFile string
	Line       int
	Token      string
	RuleID     string
}
