package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/swaggest/jsonschema-go"
)

// FAQItem is a question/answer pair with a topic tag.
type FAQItem struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Topic    string `json:"topic"`
}

type faqLookupInput struct {
	Topic string `json:"topic" required:"true" description:"The topic or question to look up"`
}

type faqLookupOutput struct {
	FAQs []FAQItem `json:"faqs"`
}

// defaultFAQs is the built-in FAQ set used when no custom set is provided.
var defaultFAQs = []FAQItem{
	{
		Question: "How do I return an item?",
		Answer: "To return an item: 1) Log into your account, 2) Go to Order History, 3) Select the item to return, " +
			"4) Print the return label, 5) Ship the item within 14 days. Refunds are processed within 5-7 business days " +
			"after we receive the item.",
		Topic: "returns",
	},
	{
		Question: "Where is my order?",
		Answer: "You can track your order by: 1) Logging into your account, 2) Going to Order History, " +
			"3) Clicking \"Track Order\" next to your order. You'll also receive email updates with tracking information.",
		Topic: "shipping",
	},
	{
		Question: "How do I cancel my order?",
		Answer: "Orders can be cancelled within 1 hour of placement. After that, you'll need to wait for delivery and " +
			"then initiate a return. To cancel: Go to Order History and click \"Cancel Order\" if the option is available.",
		Topic: "orders",
	},
	{
		Question: "What payment methods do you accept?",
		Answer: "We accept Visa, Mastercard, American Express, Discover, PayPal, Apple Pay, and Google Pay. " +
			"All payments are processed securely with SSL encryption.",
		Topic: "payment",
	},
	{
		Question: "How do I contact customer support?",
		Answer: "You can reach us through: 1) Live chat on our website (24/7), 2) Email at support@example.com, " +
			"3) Phone at 1-800-XXX-XXXX (9am-6pm EST). Average response time is under 2 hours.",
		Topic: "support",
	},
	{
		Question: "Do you offer international shipping?",
		Answer: "Yes! We ship to over 50 countries. International shipping rates and delivery times vary by destination. " +
			"Customs duties and taxes may apply and are the responsibility of the recipient.",
		Topic: "shipping",
	},
	{
		Question: "How do I reset my password?",
		Answer: "To reset your password: 1) Click \"Forgot Password\" on the login page, 2) Enter your email address, " +
			"3) Check your email for a reset link, 4) Create a new password. The link expires in 24 hours.",
		Topic: "account",
	},
}

// FAQLookupTool answers common questions from a fixed FAQ set.
type FAQLookupTool struct {
	faqs   []FAQItem
	schema *jsonschema.Schema
}

// NewFAQLookupTool creates the faq_lookup tool. A nil faqs slice uses the
// built-in set.
func NewFAQLookupTool(faqs []FAQItem) *FAQLookupTool {
	if faqs == nil {
		faqs = defaultFAQs
	}
	return &FAQLookupTool{faqs: faqs, schema: mustSchema(faqLookupInput{})}
}

func (t *FAQLookupTool) Name() string { return "faq_lookup" }

func (t *FAQLookupTool) Description() string {
	return "Look up frequently asked questions and their answers. " +
		"Use this for common questions about shipping, returns, payments, etc."
}

func (t *FAQLookupTool) Schema() *jsonschema.Schema { return t.schema }

func (t *FAQLookupTool) Execute(ctx context.Context, args json.RawMessage, report ProgressFunc) (any, error) {
	var input faqLookupInput
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("tools: parse faq_lookup args: %w", err)
	}
	if input.Topic == "" {
		return nil, fmt.Errorf("tools: faq_lookup: topic is required")
	}

	if report != nil {
		report(50, "Searching FAQs...")
	}

	topic := strings.ToLower(input.Topic)
	var matches []FAQItem
	for _, faq := range t.faqs {
		if strings.Contains(strings.ToLower(faq.Question), topic) ||
			strings.Contains(strings.ToLower(faq.Answer), topic) ||
			strings.Contains(strings.ToLower(faq.Topic), topic) ||
			strings.Contains(topic, strings.ToLower(faq.Topic)) {
			matches = append(matches, faq)
		}
		if len(matches) == 3 {
			break
		}
	}

	if report != nil {
		report(100, "FAQ lookup complete")
	}
	return faqLookupOutput{FAQs: matches}, nil
}
