package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	assert.Equal(t, "github/issue/octo/repo#7", GitHubIssue("octo", "repo", 7).String())
	assert.Equal(t, "github/change_request/octo/repo#12", GitHubPullRequest("octo", "repo", 12).String())
	assert.Equal(t, "gitlab/issue/42#3", GitLabIssue(42, 3).String())
	assert.Equal(t, "gitlab/change_request/42!3", GitLabMergeRequest(42, 3).String())
}

func TestKeyValidate(t *testing.T) {
	require.NoError(t, GitHubIssue("octo", "repo", 7).Validate())
	require.NoError(t, GitLabMergeRequest(42, 3).Validate())

	assert.Error(t, GitHubIssue("", "repo", 7).Validate())
	assert.Error(t, GitHubIssue("octo", "repo", 0).Validate())
	assert.Error(t, GitLabIssue(0, 3).Validate())
	assert.Error(t, Key{Platform: "bitbucket", Kind: KindIssue}.Validate())
	assert.Error(t, Key{Platform: PlatformGitHub, Kind: "epic", Owner: "o", Repo: "r", Number: 1}.Validate())
}

func TestKeyItemNumber(t *testing.T) {
	assert.Equal(t, 7, GitHubIssue("octo", "repo", 7).ItemNumber())
	assert.Equal(t, 3, GitLabMergeRequest(42, 3).ItemNumber())
}

func TestKeyTaggedSerialization(t *testing.T) {
	data, err := json.Marshal(GitLabIssue(42, 3))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "gitlab", m["platform"])
	assert.Equal(t, "issue", m["kind"])
	assert.NotContains(t, m, "owner")
	assert.NotContains(t, m, "number")
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := NewDescriptor(GitHubPullRequest("octo", "repo", 12), "alice")
	require.NotEmpty(t, d.UUID)
	require.False(t, d.EnqueuedAt.IsZero())

	data, err := d.Encode()
	require.NoError(t, err)

	got, err := DecodeDescriptor(data)
	require.NoError(t, err)
	assert.Equal(t, d.UUID, got.UUID)
	assert.Equal(t, d.Key, got.Key)
	assert.Equal(t, "alice", got.User)
	assert.True(t, d.EnqueuedAt.Equal(got.EnqueuedAt))
}

func TestDecodeDescriptorRejectsInvalidKey(t *testing.T) {
	_, err := DecodeDescriptor([]byte(`{"uuid":"x","task_key":{"platform":"github","kind":"issue"},"user":"a"}`))
	assert.Error(t, err)

	_, err = DecodeDescriptor([]byte(`not json`))
	assert.Error(t, err)
}

func TestFreshUUIDPerEnqueue(t *testing.T) {
	key := GitHubIssue("octo", "repo", 7)
	a := NewDescriptor(key, "alice")
	b := NewDescriptor(key, "alice")
	assert.NotEqual(t, a.UUID, b.UUID)
	assert.Equal(t, a.Key, b.Key)
}
