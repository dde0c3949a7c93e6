package scgo

import (
	"bytes"

	"gopkg.in/check.v1"
)

type cmdSuite struct{}

var _ = check.Suite(&cmdSuite{})

func (s *cmdSuite) TestNoArguments(c *check.C) {
	var stdout, stderr bytes.Buffer
	exit := runCommand("scgo", nil, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(exit, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?s)usage: scgo command \[options\].*available commands:.*  qc\n.*`)
}

func (s *cmdSuite) TestUnknownCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	exit := runCommand("scgo", []string{"frobnicate"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(exit, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?s)scgo: unrecognized command "frobnicate".*`)
}

func (s *cmdSuite) TestVersion(c *check.C) {
	var stdout, stderr bytes.Buffer
	exit := runCommand("scgo", []string{"version"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(exit, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "scgo "+version+"\n")
}

func (s *cmdSuite) TestHelpExitsClean(c *check.C) {
	var stdout, stderr bytes.Buffer
	exit := runCommand("scgo", []string{"qc", "-help"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(exit, check.Equals, 0)
}

func (s *cmdSuite) TestBadFlagIsUsageError(c *check.C) {
	var stdout, stderr bytes.Buffer
	exit := runCommand("scgo", []string{"qc", "-no-such-flag"}, bytes.NewReader(nil), &stdout, &stderr)
	c.Check(exit, check.Equals, 2)
}
