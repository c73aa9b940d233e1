package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"bold", "**bold**", "<b>bold</b>"},
		{"italic", "*italic*", "<i>italic</i>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"code span", "run `go vet`", "run <code>go vet</code>"},
		{"heading as bold", "# Title", "<b>Title</b>"},
		{"link", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
		{"escaping", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{
			"fenced code block",
			"```go\nfmt.Println(1)\n```",
			"<pre><code class=\"language-go\">fmt.Println(1)\n</code></pre>",
		},
		{
			"unordered list",
			"- one\n- two",
			"• one\n• two",
		},
		{
			"ordered list",
			"1. one\n2. two",
			"1. one\n2. two",
		},
		{"blockquote", "> quoted", "<blockquote>quoted\n</blockquote>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MarkdownToHTML(tt.md))
		})
	}
}

func TestMarkdownToHTMLPlainTextPassthrough(t *testing.T) {
	assert.Equal(t, "just words", MarkdownToHTML("just words"))
}
