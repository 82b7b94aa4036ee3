package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleChatIDIsSymmetric(t *testing.T) {
	assert.Equal(t, "single_alice_bob", SingleChatID("bob", "alice"))
	assert.Equal(t, SingleChatID("alice", "bob"), SingleChatID("bob", "alice"))
	assert.Equal(t, "group_42", ChatIDFor(ChatGroup, "alice", "42"))
}

func TestChatTypeFromID(t *testing.T) {
	ct, ok := ChatTypeFromID("group_42")
	require.True(t, ok)
	assert.Equal(t, ChatGroup, ct)

	ct, ok = ChatTypeFromID("single_a_b")
	require.True(t, ok)
	assert.Equal(t, ChatSingle, ct)

	_, ok = ChatTypeFromID("legacy-42")
	assert.False(t, ok)
}

func TestNewContentValidation(t *testing.T) {
	_, err := NewContent(ContentText, "", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = NewContent(ContentImage, "look", nil)
	assert.ErrorIs(t, err, ErrMissingAttachment)

	_, err = NewContent(ContentType(99), "x", nil)
	assert.ErrorIs(t, err, ErrUnknownContentType)

	c, err := NewContent(ContentFile, "", &Attachment{URL: "https://cdn/x.pdf", Name: "x.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "x.pdf", c.Attachment().Name)
	assert.False(t, IsEphemeral(c))
}

func TestCallInviteIsEphemeral(t *testing.T) {
	c, err := NewContent(ContentCallInvite, `{"sdp":"..."}`, nil)
	require.NoError(t, err)
	assert.True(t, IsEphemeral(c))
	assert.True(t, c.Type().Ephemeral())
	assert.False(t, ContentText.Ephemeral())
}

func TestContentLimits(t *testing.T) {
	_, err := NewContent(ContentImage, "", &Attachment{URL: "https://cdn/" + strings.Repeat("a", MaxAttachmentURL)})
	assert.ErrorIs(t, err, ErrContentTooLarge)
	_, err = NewContent(ContentFile, "", &Attachment{URL: "https://cdn/f", Name: strings.Repeat("n", MaxAttachmentName+1)})
	assert.ErrorIs(t, err, ErrContentTooLarge)
	_, err = NewContent(ContentFile, "", &Attachment{URL: "https://cdn/f", MimeType: strings.Repeat("m", MaxMimeType+1)})
	assert.ErrorIs(t, err, ErrContentTooLarge)

	assert.NoError(t, ValidateContent(TextContent{Text: strings.Repeat("x", DefaultMaxBodyBytes)}, 0))
	assert.ErrorIs(t, ValidateContent(TextContent{Text: strings.Repeat("x", DefaultMaxBodyBytes+1)}, 0), ErrContentTooLarge)
	assert.ErrorIs(t, ValidateContent(TextContent{Text: "hello"}, 4), ErrContentTooLarge)
	assert.ErrorIs(t, ValidateContent(ImageContent{Image: Attachment{URL: strings.Repeat("u", MaxAttachmentURL+1)}}, 0), ErrContentTooLarge)
}

func TestContentColumnsRestore(t *testing.T) {
	orig := ImageContent{Caption: "cat", Image: Attachment{URL: "https://cdn/cat.png", MimeType: "image/png"}}
	cols := ContentColumns(orig)
	require.NotNil(t, cols.FileURL)
	assert.Nil(t, cols.FileName)

	restored, err := cols.Content()
	require.NoError(t, err)
	assert.Equal(t, orig, restored)
}
