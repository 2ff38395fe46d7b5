package provider

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/youbridge/internal/chatmode"
	"github.com/xkilldash9x/youbridge/internal/docx"
)

const (
	noncePath  = "/api/get_nonce"
	uploadPath = "/api/upload"
	streamPath = "/api/streamingSearch"

	responseFilter = "WebPages,TimeZone,Computation,RelatedSearches"
)

// jsonJS encodes values the way a browser's JSON.stringify does.
var jsonJS = jsoniter.Config{EscapeHTML: false}.Froze()

func jsString(s string) string {
	out, _ := jsonJS.MarshalToString(s)
	return out
}

// nonceScript fetches the one-time upload nonce as text.
func nonceScript(origin string) string {
	return fmt.Sprintf(`fetch(%s).then((res) => res.text())`, jsString(origin+noncePath))
}

// uploadScript posts doc as a multipart file and returns the parsed response, or
// null when the request or its decoding throws.
func uploadScript(origin, nonce string, doc []byte) string {
	return fmt.Sprintf(`(async () => {
  try {
    const bytes = Uint8Array.from(atob(%s), (c) => c.charCodeAt(0));
    const blob = new Blob([bytes], { type: %s });
    const form = new FormData();
    form.append("file", blob, %s);
    const resp = await fetch(%s, {
      method: "POST",
      headers: { "X-Upload-Nonce": %s },
      body: form,
    });
    return await resp.json();
  } catch (e) {
    return null;
  }
})()`,
		jsString(base64.StdEncoding.EncodeToString(doc)),
		jsString(docx.MIMEType),
		jsString(docx.FileName),
		jsString(origin+uploadPath),
		jsString(nonce),
	)
}

type uploadResult struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type userFile struct {
	UserFilename string `json:"user_filename"`
	Filename     string `json:"filename"`
	Size         int    `json:"size"`
}

// QueryParam is one key/value pair of the stream request, in wire order.
type QueryParam struct {
	Key   string
	Value string
}

// StreamRequest holds everything the stream request's query depends on.
type StreamRequest struct {
	TraceID    string
	MessageID  string
	Time       time.Time
	ModeID     string
	Model      string
	StoredName string
	Size       int
	Market     string
}

// isoMillis matches JavaScript's Date.prototype.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z"

// StreamParams returns the query parameters of the stream request in the order the
// upstream expects. The model is named only when the default mode is used.
func StreamParams(r StreamRequest) []QueryParam {
	files, _ := jsonJS.MarshalToString([]userFile{{
		UserFilename: docx.FileName,
		Filename:     r.StoredName,
		Size:         r.Size,
	}})

	params := []QueryParam{
		{"page", "1"},
		{"count", "10"},
		{"safeSearch", "Off"},
		{"q", " "},
		{"chatId", r.TraceID},
		{"traceId", r.TraceID + "|" + r.MessageID + "|" + r.Time.UTC().Format(isoMillis)},
		{"conversationTurnId", r.MessageID},
	}
	if r.ModeID == chatmode.DefaultMode {
		params = append(params, QueryParam{"selectedAiModel", r.Model})
	}
	return append(params,
		QueryParam{"selectedChatMode", r.ModeID},
		QueryParam{"pastChatLength", strconv.Itoa(0)},
		QueryParam{"queryTraceId", r.TraceID},
		QueryParam{"use_personalization_extraction", "false"},
		QueryParam{"domain", "youchat"},
		QueryParam{"responseFilter", responseFilter},
		QueryParam{"mkt", r.Market},
		QueryParam{"userFiles", files},
		QueryParam{"chat", "[]"},
	)
}

// formEscaper turns url.QueryEscape output into the browser's
// application/x-www-form-urlencoded form, which escapes '~' and keeps '*'.
var formEscaper = strings.NewReplacer("~", "%7E", "%2A", "*")

// EncodeQuery form-encodes params the way URLSearchParams does, keeping their order.
func EncodeQuery(params []QueryParam) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(formEscaper.Replace(url.QueryEscape(p.Key)))
		b.WriteByte('=')
		b.WriteString(formEscaper.Replace(url.QueryEscape(p.Value)))
	}
	return b.String()
}

// StreamURL is the full URL of the stream request.
func StreamURL(origin string, r StreamRequest) string {
	return origin + streamPath + "?" + EncodeQuery(StreamParams(r))
}

type tokenPayload struct {
	YouChatToken string `json:"youChatToken"`
}
