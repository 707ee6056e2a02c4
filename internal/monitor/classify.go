package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"agent-orchestrator/internal/inbox"
	"agent-orchestrator/internal/textgen"
)

// Classification labels for inbound messages.
const (
	LabelSalesInquiry    = "sales_inquiry"
	LabelSupport         = "support"
	LabelCalendarRequest = "calendar_request"
	LabelOther           = "other"
)

// Classification is the classifier's verdict on one message.
type Classification struct {
	Label      string
	Confidence float64
}

// ReplyWorthy reports whether the label warrants drafting a reply.
func (c Classification) ReplyWorthy() bool {
	return c.Label == LabelSalesInquiry || c.Label == LabelSupport
}

// Classifier labels inbound messages.
type Classifier interface {
	Classify(ctx context.Context, msg inbox.InboundMessage) (Classification, error)
}

// TextGenClassifier classifies via the text-generation collaborator. The
// prompt pins the output to "label|confidence"; anything unparseable comes
// back as other with zero confidence, so a garbled verdict degrades to
// no action rather than a misdirected draft.
type TextGenClassifier struct {
	gen textgen.Generator
}

func NewTextGenClassifier(gen textgen.Generator) *TextGenClassifier {
	return &TextGenClassifier{gen: gen}
}

const classifyPromptMax = 1500

func (c *TextGenClassifier) Classify(ctx context.Context, msg inbox.InboundMessage) (Classification, error) {
	body := msg.Body
	if len(body) > classifyPromptMax {
		body = body[:classifyPromptMax]
	}
	prompt := fmt.Sprintf(
		"Classify this email as exactly one of: sales_inquiry, support, calendar_request, other. "+
			"Answer with label|confidence where confidence is between 0 and 1.\nSubject: %s\nFrom: %s\nBody: %s",
		msg.Subject, msg.Sender, body)

	out, err := c.gen.Complete(ctx, prompt)
	if err != nil {
		return Classification{}, err
	}
	return parseClassification(out), nil
}

func parseClassification(out string) Classification {
	parts := strings.SplitN(strings.TrimSpace(strings.ToLower(out)), "|", 2)
	label := strings.TrimSpace(parts[0])
	switch label {
	case LabelSalesInquiry, LabelSupport, LabelCalendarRequest, LabelOther:
	default:
		return Classification{Label: LabelOther, Confidence: 0}
	}
	conf := 0.0
	if len(parts) == 2 {
		if f, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil && f >= 0 && f <= 1 {
			conf = f
		}
	}
	return Classification{Label: label, Confidence: conf}
}
