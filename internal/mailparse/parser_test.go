package mailparse

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailarchive/backend/internal/domain"
)

func newTestParser() *Parser {
	return NewParser(Options{
		SaveContentTypePrefixes: []string{"application/pdf"},
		SkipContentTypeSuffixes: []string{"pkcs7-signature", "pgp-signature"},
	}, zap.NewNop())
}

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestParseSimpleMessage(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: Alice Example <alice@example.com>",
		"To: Bob <bob@example.com>, carol@example.com",
		"Subject: Quarterly report",
		"Date: Mon, 02 Jan 2023 15:04:05 +0000",
		"Message-ID: <report-1@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Please find the report attached.",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "<report-1@example.com>", email.MessageID)
	assert.False(t, email.GeneratedMessageID)
	assert.Equal(t, "Quarterly report", email.Subject)
	assert.Equal(t, time.Date(2023, 1, 2, 15, 4, 5, 0, time.UTC), email.Date.UTC())
	assert.Contains(t, email.BodyText, "Please find the report attached.")
	assert.Empty(t, email.BodyHTML)
	assert.False(t, email.IsSpam)
	assert.Equal(t, int64(len(raw)), email.DataSize)
	assert.Nil(t, email.MailingList)

	require.Len(t, email.Correspondents, 3)
	assert.Equal(t, Correspondent{Address: "alice@example.com", Name: "Alice Example", Mention: domain.MentionFrom}, email.Correspondents[0])
	assert.Equal(t, Correspondent{Address: "bob@example.com", Name: "Bob", Mention: domain.MentionTo}, email.Correspondents[1])
	assert.Equal(t, Correspondent{Address: "carol@example.com", Name: "", Mention: domain.MentionTo}, email.Correspondents[2])
}

func TestParseGeneratedMessageID(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: no id",
		"",
		"body",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)

	sum := md5.Sum(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), email.MessageID)
	assert.True(t, email.GeneratedMessageID)

	// 同一字节流再次解析得到同一 Message-ID
	again, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, email.MessageID, again.MessageID)
}

func TestParseDateFallback(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: alice@example.com",
		"Subject: bad date",
		"Date: not-a-date",
		"Message-ID: <bad-date@example.com>",
		"",
		"body",
	)

	before := time.Now().Add(-time.Minute)
	email, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.True(t, email.Date.After(before), "date should fall back to now")
}

func TestParseSpamFlag(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: spammer@example.com",
		"Subject: offer",
		"Message-ID: <spam@example.com>",
		"X-Spam-Flag: YES",
		"",
		"buy now",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.True(t, email.IsSpam)
}

func TestParseAttachments(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: with attachments",
		"Message-ID: <att@example.com>",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=\"outer\"",
		"",
		"--outer",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See attached.",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjQ=",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Disposition: inline",
		"Content-Transfer-Encoding: base64",
		"",
		"JVBERi0xLjU=",
		"--outer",
		"Content-Type: application/pkcs7-signature; name=\"smime.p7s\"",
		"Content-Disposition: attachment; filename=\"smime.p7s\"",
		"Content-Transfer-Encoding: base64",
		"",
		"MIAGCSqGSIb3",
		"--outer--",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)
	require.Len(t, email.Attachments, 3)

	// 带文件名的常规附件
	named := email.Attachments[0]
	assert.Equal(t, "report.pdf", named.FileName)
	assert.Equal(t, "application/pdf", named.ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), named.Content)

	// 带 attachment disposition 的签名部件也保存，跳过后缀只作用于前缀匹配
	signature := email.Attachments[1]
	assert.Equal(t, "smime.p7s", signature.FileName)
	assert.Equal(t, "application/pkcs7-signature", signature.ContentType)

	// 内联 PDF 命中保存前缀，文件名由内容摘要生成
	inline := email.Attachments[2]
	sum := md5.Sum([]byte("%PDF-1.5"))
	assert.Equal(t, hex.EncodeToString(sum[:])+".pdf", inline.FileName)
	assert.Equal(t, []byte("%PDF-1.5"), inline.Content)
}

func TestParseSkipSuffixScopedToPrefixMatch(t *testing.T) {
	parser := NewParser(Options{
		SaveContentTypePrefixes: []string{"application/"},
		SkipContentTypeSuffixes: []string{"pkcs7-signature"},
	}, zap.NewNop())

	raw := crlf(
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: signed",
		"Message-ID: <signed@example.com>",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=\"outer\"",
		"",
		"--outer",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"body",
		"--outer",
		"Content-Type: application/pkcs7-signature; name=\"smime.p7s\"",
		"Content-Disposition: attachment; filename=\"smime.p7s\"",
		"Content-Transfer-Encoding: base64",
		"",
		"MIAGCSqGSIb3",
		"--outer",
		"Content-Type: application/pkcs7-signature",
		"Content-Disposition: inline",
		"Content-Transfer-Encoding: base64",
		"",
		"MIAGCSqGSIb3",
		"--outer--",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)

	// 显式 attachment disposition 无视跳过后缀；前缀匹配的内联部件被跳过
	require.Len(t, email.Attachments, 1)
	assert.Equal(t, "smime.p7s", email.Attachments[0].FileName)
	assert.Equal(t, "attachment", email.Attachments[0].ContentDisposition)
}

func TestParseSkipsNonAttachmentParts(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: alice@example.com",
		"Subject: multipart alternative",
		"Message-ID: <alt@example.com>",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=\"alt\"",
		"",
		"--alt",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain body",
		"--alt",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html body</p>",
		"--alt--",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, email.Attachments)
	assert.Contains(t, email.BodyText, "plain body")
	assert.Contains(t, email.BodyHTML, "html body")
}

func TestParseMailingList(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: announce@lists.example.com",
		"Subject: release",
		"Message-ID: <list@example.com>",
		"List-Id: Announcements <announce.lists.example.com>",
		"List-Unsubscribe: <mailto:announce-leave@lists.example.com>",
		"List-Post: NO",
		"",
		"body",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, email.MailingList)
	assert.Equal(t, "Announcements <announce.lists.example.com>", email.MailingList.ListID)
	require.NotNil(t, email.MailingList.ListUnsubscribe)
	assert.Equal(t, "<mailto:announce-leave@lists.example.com>", *email.MailingList.ListUnsubscribe)
	require.NotNil(t, email.MailingList.ListPost)
	assert.Equal(t, "NO", *email.MailingList.ListPost)
	assert.Nil(t, email.MailingList.ListOwner)
}

func TestParseEncodedSubject(t *testing.T) {
	parser := newTestParser()

	raw := crlf(
		"From: alice@example.com",
		"Subject: =?utf-8?B?5a2j5bqm5oql5ZGK?=",
		"Message-ID: <enc@example.com>",
		"",
		"body",
	)

	email, err := parser.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "季度报告", email.Subject)
}
