package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/joho/godotenv"

	"golang.org/x/term"

	"driftnote.com/client/annotate"
)

const AnnotateCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Annotation control.

Defaults are read from the environment (or a .env file):
    ANNOTATE_API_URL, ANNOTATE_CHANNEL_URL, ANNOTATE_JWT

Usage:
    annotatectl list --document=<document_id> [--api_url=<api_url>] [--jwt=<jwt>]
    annotatectl highlight --document=<document_id> --space=<space_id>
        --start=<start> --end=<end> [--color=<color>] [--api_url=<api_url>] [--jwt=<jwt>]
        <text>
    annotatectl comment --document=<document_id> --space=<space_id>
        --highlight=<highlight_id> [--parent=<parent_comment_id>]
        [--api_url=<api_url>] [--jwt=<jwt>] <text>
    annotatectl tail --document=<document_id> [--channel_url=<channel_url>] [--jwt=<jwt>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>
    --channel_url=<channel_url>
    --document=<document_id>       Document to annotate.
    --space=<space_id>             Space the document belongs to.
    --highlight=<highlight_id>     Highlight to comment on.
    --parent=<parent_comment_id>   Reply to this comment.
    --start=<start>                Selection start offset.
    --end=<end>                    Selection end offset.
    --color=<color>                Highlight color [default: yellow].
    --jwt=<jwt>                    Your bearer JWT.`

	godotenv.Load()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AnnotateCtlVersion)
	if err != nil {
		panic(err)
	}

	if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if highlight_, _ := opts.Bool("highlight"); highlight_ {
		highlight(opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		comment(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	if apiUrl := os.Getenv("ANNOTATE_API_URL"); apiUrl != "" {
		return apiUrl
	}
	return "https://api.driftnote.com"
}

func channelUrl(opts docopt.Opts) string {
	if channelUrl, err := opts.String("--channel_url"); err == nil && channelUrl != "" {
		return channelUrl
	}
	if channelUrl := os.Getenv("ANNOTATE_CHANNEL_URL"); channelUrl != "" {
		return channelUrl
	}
	return "wss://channel.driftnote.com"
}

func jwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	if jwt := os.Getenv("ANNOTATE_JWT"); jwt != "" {
		return jwt
	}
	fmt.Fprint(os.Stderr, "JWT: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read JWT (%s).", err)
	}
	return strings.TrimSpace(string(jwtBytes))
}

func list(opts docopt.Opts) {
	documentId, _ := opts.String("--document")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := annotate.NewAnnotationApi(cancelCtx, apiUrl(opts), annotate.StaticToken(jwt(opts)))
	result, err := api.GetHighlightsSync(documentId)
	if err != nil {
		Err.Fatalf("Could not list highlights (%s).", err)
	}

	for _, highlight := range result.Highlights {
		Out.Printf(
			"%s [%d:%d] %s (%s, %d comments) %q",
			highlight.Id,
			highlight.TextRange.StartOffset,
			highlight.TextRange.EndOffset,
			highlight.Color,
			highlight.CreatedByName,
			highlight.CommentCount,
			highlight.HighlightedText,
		)
	}
}

func highlight(opts docopt.Opts) {
	documentId, _ := opts.String("--document")
	spaceId, _ := opts.String("--space")
	start, _ := opts.Int("--start")
	end, _ := opts.Int("--end")
	color, _ := opts.String("--color")
	text, _ := opts.String("<text>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view, err := annotate.NewAnnotationView(
		cancelCtx,
		documentId,
		spaceId,
		annotate.StaticToken(jwt(opts)),
		annotate.DefaultAnnotationViewSettings(apiUrl(opts), channelUrl(opts)),
	)
	if err != nil {
		Err.Fatalf("Could not open document (%s).", err)
	}
	defer view.Close()

	selection := &annotate.Selection{
		Text: text,
		TextRange: annotate.TextRange{
			StartOffset: start,
			EndOffset:   end,
		},
	}
	highlight, err := view.CreateHighlight(selection, color)
	if err != nil {
		Err.Fatalf("Could not create highlight (%s).", err)
	}

	Out.Printf("%s", highlight.Id)
}

func comment(opts docopt.Opts) {
	documentId, _ := opts.String("--document")
	spaceId, _ := opts.String("--space")
	highlightId, _ := opts.String("--highlight")
	parentCommentId, _ := opts.String("--parent")
	text, _ := opts.String("<text>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view, err := annotate.NewAnnotationView(
		cancelCtx,
		documentId,
		spaceId,
		annotate.StaticToken(jwt(opts)),
		annotate.DefaultAnnotationViewSettings(apiUrl(opts), channelUrl(opts)),
	)
	if err != nil {
		Err.Fatalf("Could not open document (%s).", err)
	}
	defer view.Close()

	// the comment target must be held locally
	if _, err := view.FetchHighlights(); err != nil {
		Err.Fatalf("Could not fetch highlights (%s).", err)
	}

	comment, err := view.CreateComment(highlightId, text, parentCommentId)
	if err != nil {
		Err.Fatalf("Could not create comment (%s).", err)
	}

	Out.Printf("%s", comment.Id)
}

// tail subscribes to the push channel and prints event frames until
// interrupted.
func tail(opts docopt.Opts) {
	documentId, _ := opts.String("--document")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := annotate.NewDocumentChannelWithDefaults(
		cancelCtx,
		channelUrl(opts),
		documentId,
		annotate.StaticToken(jwt(opts)),
	)
	defer channel.Close()

	channel.AddReceiveCallback(func(frame *annotate.Frame) {
		Out.Printf("%s %s %s", time.Now().Format(time.RFC3339), frame.Type, string(frame.Payload))
	})
	channel.Connect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
