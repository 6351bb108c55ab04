package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const proverSummary = `
==============================================================================
summary of summaries:

analyzed: proto.spthy

  processing time: 12.5s

  secrecy (all-traces): verified (23 steps)
  auth (all-traces): falsified - found trace (9 steps)
  exec (exists-trace): verified (5 steps)
  slow (all-traces): analysis incomplete (1 steps)

==============================================================================
`

func TestParseLemmaResults(t *testing.T) {
	got := ParseLemmaResults(proverSummary)
	assert.Equal(t, []LemmaResult{
		{Name: "secrecy", Kind: "all-traces", Status: StatusVerified, Steps: 23},
		{Name: "auth", Kind: "all-traces", Status: StatusFalsified},
		{Name: "exec", Kind: "exists-trace", Status: StatusVerified, Steps: 5},
		{Name: "slow", Kind: "all-traces", Status: StatusIncomplete, Steps: 1},
	}, got)
}

func TestExtractMeasures(t *testing.T) {
	m := ExtractMeasures(proverSummary, "exec")
	assert.Equal(t, Measures{Steps: 5, ToolTime: 12500 * time.Millisecond, LemmaStatus: StatusVerified}, m)

	all := ExtractMeasures(proverSummary, "")
	assert.Equal(t, 29, all.Steps)
	assert.Equal(t, StatusFalsified, all.LemmaStatus, "worst status wins")

	missing := ExtractMeasures(proverSummary, "nope")
	assert.Equal(t, 0, missing.Steps)
	assert.Empty(t, missing.LemmaStatus)
	assert.Equal(t, 12500*time.Millisecond, missing.ToolTime)

	assert.Equal(t, Measures{}, ExtractMeasures("garbage", ""))
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world\n"))
	assert.Equal(t, "o world\n", b.String())
	assert.Equal(t, int64(4), b.dropped)

	unbounded := newTailBuffer(0)
	_, _ = unbounded.Write([]byte("a\n\nb\r\n  \nc\n"))
	assert.Equal(t, []string{"b", "c"}, unbounded.Lines(2))
	assert.Equal(t, []string{"a", "b", "c"}, unbounded.Lines(10))
	assert.Nil(t, unbounded.Lines(0))
}

func TestTheoryProblems(t *testing.T) {
	out := `theory Proto begin
WARNING: 1 wellformedness check failed!
  The rule "Reveal" uses fresh names.
Error: unbound variable x
no warnings found
[Theory Proto] Theory loaded successfully, but check failed
`
	assert.Equal(t, []string{
		"WARNING: 1 wellformedness check failed!",
		"Error: unbound variable x",
	}, TheoryProblems(out))
	assert.Empty(t, TheoryProblems("analyzed: proto.spthy\n  secrecy (all-traces): verified (3 steps)\n"))
}

func TestParseToolVersion(t *testing.T) {
	assert.Equal(t, "v1.10.0", ParseToolVersion("tamarin-prover 1.10.0, (C) David Basin et al.\nGit revision: abc\n"))
	assert.Equal(t, "", ParseToolVersion("no version here\n1.2.3\n"), "only the first line is read")
	assert.Equal(t, "", ParseToolVersion(""))
}
