package pii

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentwire/chunk"
	"goa.design/agentwire/messages"
	"goa.design/agentwire/processor"
)

func stream(text string) *processor.Stream {
	return &processor.Stream{
		Chunk: chunk.New("run-1", chunk.FromAgent, chunk.TextDelta{ID: "d", Text: text}),
		State: make(processor.State),
	}
}

func TestDetectors(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"email", "contact me at jane.doe@example.com please", "email"},
		{"phone", "call +1 (555) 123-4567 tomorrow", "phone"},
		{"ssn", "my ssn is 123-45-6789", "ssn"},
		{"credit card", "card 4111 1111 1111 1111 expires soon", "credit-card"},
		{"ip", "connecting from 192.168.1.100 now", "ip"},
	}
	p := New(Options{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clean, hits := p.scan(tc.text)
			require.Contains(t, hits, tc.want)
			assert.Contains(t, clean, "["+tc.want+"]")
		})
	}
}

func TestScanClean(t *testing.T) {
	p := New(Options{})
	clean, hits := p.scan("nothing sensitive here")
	assert.Empty(t, hits)
	assert.Equal(t, "nothing sensitive here", clean)
}

func TestProcessStreamRedacts(t *testing.T) {
	p := New(Options{})
	res, err := p.ProcessStream(context.Background(), stream("mail me: bob@corp.io"))
	require.NoError(t, err)
	require.Nil(t, res.Tripwire())
	require.False(t, res.Dropped())

	out := res.Apply(stream("mail me: bob@corp.io").Chunk)
	assert.Equal(t, "mail me: [email]", out.Payload.(chunk.TextDelta).Text)
}

func TestProcessStreamBlocks(t *testing.T) {
	p := New(Options{Strategy: StrategyBlock})
	res, err := p.ProcessStream(context.Background(), stream("ssn 123-45-6789"))
	require.NoError(t, err)
	trip := res.Tripwire()
	require.NotNil(t, trip)
	assert.Contains(t, trip.Reason, "ssn")
}

func TestProcessStreamRemoves(t *testing.T) {
	p := New(Options{Strategy: StrategyRemove})
	res, err := p.ProcessStream(context.Background(), stream("ping 10.0.0.1"))
	require.NoError(t, err)
	assert.True(t, res.Dropped())
}

func TestProcessStreamPassesCleanText(t *testing.T) {
	p := New(Options{})
	in := stream("all clear")
	res, err := p.ProcessStream(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.Chunk, res.Apply(in.Chunk))
}

func TestProcessInputRedactsInPlace(t *testing.T) {
	p := New(Options{})
	list := messages.NewList(messages.New(messages.RoleUser, "I am reachable at alice@example.org"))
	trip, err := p.ProcessInput(context.Background(), &processor.Input{Messages: list, State: make(processor.State)})
	require.NoError(t, err)
	require.Nil(t, trip)

	users := list.ByRole(messages.RoleUser)
	require.Len(t, users, 1)
	assert.Equal(t, "I am reachable at [email]", users[0].Content)
}

func TestProcessInputRemove(t *testing.T) {
	p := New(Options{Strategy: StrategyRemove})
	list := messages.NewList(
		messages.New(messages.RoleUser, "clean message"),
		messages.New(messages.RoleUser, "dirty 123-45-6789"),
	)
	trip, err := p.ProcessInput(context.Background(), &processor.Input{Messages: list, State: make(processor.State)})
	require.NoError(t, err)
	require.Nil(t, trip)
	require.Len(t, list.ByRole(messages.RoleUser), 1)
	assert.Equal(t, "clean message", list.ByRole(messages.RoleUser)[0].Content)
}

func TestCustomDetectors(t *testing.T) {
	p := New(Options{Detectors: []Detector{
		{Name: "employee-id", Pattern: regexp.MustCompile(`\bEMP-\d{6}\b`)},
	}})
	clean, hits := p.scan("badge EMP-004211 checked in from 10.1.2.3")
	assert.Equal(t, []string{"employee-id"}, hits, "custom detectors replace the defaults")
	assert.Contains(t, clean, "[employee-id]")
	assert.Contains(t, clean, "10.1.2.3")
}
