// Package protocol defines the request/response wire types exchanged with
// a sandbox worker, and the newline-delimited JSON codec used to speak to
// it over stdin/stdout.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Class selects which image/worker pool a request is bound to.
type Class string

const (
	ClassStable   Class = "stable"
	ClassUnstable Class = "unstable"
)

// Backend selects the rendering backend inside the sandbox.
type Backend string

const (
	BackendSVG         Backend = "svg"
	BackendPDF         Backend = "pdf"
	BackendMusicXML2Ly Backend = "musicxml2ly"
)

// Request is accepted from a request source and dispatched to a worker.
// Immutable once accepted by the scheduler.
type Request struct {
	ID      string  `json:"id"`
	Class   Class   `json:"version"`
	Backend Backend `json:"backend"`
	Src     string  `json:"src"`
}

// Response is produced exactly once per accepted Request.
type Response struct {
	Files []string `json:"files"`
	Logs  string   `json:"logs"`
	Midi  string   `json:"midi"`
}

// ResponseCallback is a single-shot sink for a Response. It must tolerate
// being handed to more than one task but is invoked at most once per
// request.
type ResponseCallback func(Response)

// DefaultCanary is the boot-banner substring emitted by the hacklily
// LilyPond REPL wrapper. Sandboxes that wrap a different render tool can
// override it via Config.Canary.
const DefaultCanary = "Processing `/tmp/lyp/wrappers/hacklily.ly'"

// lilypondIncludes is the fixed allowlist of system include names that the
// sandboxed tool's global-include regex mishandles.
var lilypondIncludes = []string{
	"Welcome-to-LilyPond-MacOS.ly", "Welcome_to_LilyPond.ly", "arabic.ly",
	"articulate.ly", "bagpipe.ly", "base-tkit.ly", "catalan.ly",
	"chord-modifiers-init.ly", "chord-repetition-init.ly",
	"context-mods-init.ly", "declarations-init.ly", "deutsch.ly",
	"drumpitch-init.ly", "dynamic-scripts-init.ly", "english.ly",
	"engraver-init.ly", "espanol.ly", "event-listener.ly", "festival.ly",
	"generate-documentation.ly", "generate-interface-doc-init.ly",
	"grace-init.ly", "graphviz-init.ly", "gregorian.ly",
	"guile-debugger.ly", "hel-arabic.ly", "init.ly", "italiano.ly",
	"lilypond-book-preamble.ly", "lyrics-tkit.ly", "makam.ly",
	"midi-init.ly", "music-functions-init.ly", "nederlands.ly",
	"norsk.ly", "paper-defaults-init.ly", "performer-init.ly",
	"piano-tkit.ly", "portugues.ly", "predefined-fretboards-init.ly",
	"predefined-guitar-fretboards.ly",
	"predefined-guitar-ninth-fretboards.ly",
	"predefined-mandolin-fretboards.ly", "predefined-ukulele-fretboards.ly",
	"property-init.ly", "satb.ly", "scale-definitions-init.ly",
	"scheme-sandbox.ly", "script-init.ly", "spanners-init.ly",
	"ssaattbb.ly", "staff-tkit.ly", "string-tunings-init.ly", "suomi.ly",
	"svenska.ly", "text-replacements.ly", "titling-init.ly",
	"toc-init.ly", "vlaams.ly", "vocal-tkit.ly", "voice-tkit.ly",
}

// MungeSrc applies the backend preamble and the include-name patch to a
// request's source before it is sent to the sandbox. Must be applied
// exactly once per dispatch.
func MungeSrc(backend Backend, src string) string {
	switch backend {
	case BackendSVG:
		src = "#(ly:set-option 'backend 'svg)\n" + src
	case BackendPDF:
		src = "\n" + src
	}

	for _, include := range lilypondIncludes {
		toReplace := `\include "` + include + `"`
		if strings.Contains(src, toReplace) {
			replaceWith := `\include  "` + include + `"`
			src = strings.ReplaceAll(src, toReplace, replaceWith)
		}
	}

	return src
}

// CollapseDoubleNewlines compensates for a known double-newline quirk in
// the sandboxed tool's log output.
func CollapseDoubleNewlines(logs string) string {
	return strings.ReplaceAll(logs, "\n\n", "\n")
}

// WireCodec speaks the newline-framed JSON protocol over a worker's stdio.
// No framing other than '\n' is used: one line out, one line in.
type WireCodec struct {
	w io.Writer
	r *bufio.Reader
}

// NewWireCodec wraps a child's stdin/stdout pair.
func NewWireCodec(stdin io.Writer, stdout io.Reader) *WireCodec {
	return &WireCodec{w: stdin, r: bufio.NewReader(stdout)}
}

// SendRequest writes exactly one line of JSON followed by '\n'.
func (c *WireCodec) SendRequest(req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	body = append(body, '\n')
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// ReadLine reads one line (without the trailing '\n') from the worker's
// stdout. Callers check it against a canary substring before treating it
// as a reply.
func (c *WireCodec) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

// ParseResponse parses a reply line as a Response. On malformed JSON, the
// caller must synthesize a diagnostic Response rather than treat this as
// a worker fault; ParseResponse surfaces the error so callers can do
// exactly that.
func ParseResponse(line string) (Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return Response{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}
