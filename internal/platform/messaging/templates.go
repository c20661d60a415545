package messaging

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Reply ids used by the claim pipeline.
const (
	ReplyClaimReceived     = "claim-received"
	ReplyQuotaExceeded     = "quota-exceeded"
	ReplyHospitalInactive  = "hospital-inactive"
	ReplyAnalysisComplete  = "analysis-complete"
	ReplyPaymentPrompt     = "payment-prompt"
	ReplyPaymentConfirmed  = "payment-confirmed"
	ReplyPaymentFailed     = "payment-failed"
	ReplyDocumentDelivered = "document-delivered"
	ReplyClaimRejected     = "claim-rejected"
	ReplyStatusHeader      = "status-header"
	ReplyStatusLine        = "status-line"
	ReplyNoClaims          = "no-claims"
	ReplyClaimNotFound     = "claim-not-found"
	ReplyHelp              = "help"
)

// Template is a reply body with {{key}} placeholders.
type Template struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// Templates renders outbound replies.
type Templates struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplates() *Templates {
	t := &Templates{templates: make(map[string]*Template)}
	t.registerBuiltIn()
	return t
}

func (t *Templates) registerBuiltIn() {
	builtIn := []Template{
		{ReplyClaimReceived, "Claim #{{claim_number}} received! We'll analyze it and get back to you."},
		{ReplyQuotaExceeded, "You have used all {{limit}} claims on your plan this month. Contact us to upgrade and we will process claim documents again."},
		{ReplyHospitalInactive, "Your account is not active. Contact support to reactivate claim processing."},
		{ReplyAnalysisComplete, "Claim #{{claim_number}} analysed: {{error_count}} issue(s) found ({{confidence}}% confidence)."},
		{ReplyPaymentPrompt, "Pay KES {{amount}} to receive the corrected documents for claim #{{claim_number}}. Check your phone for the M-Pesa prompt."},
		{ReplyPaymentConfirmed, "Payment received for claim #{{claim_number}} (receipt {{receipt}}). We are preparing your corrected documents."},
		{ReplyPaymentFailed, "Payment for claim #{{claim_number}} did not go through: {{reason}}. Reply \"pay {{claim_number}}\" to try again."},
		{ReplyDocumentDelivered, "Corrected documents for claim #{{claim_number}} are attached. Resubmit them to SHA."},
		{ReplyClaimRejected, "Claim #{{claim_number}} could not be processed: {{reason}}"},
		{ReplyStatusHeader, "Your recent claims:"},
		{ReplyStatusLine, "#{{claim_number}}: {{status}}"},
		{ReplyNoClaims, "You have no claims yet. Send a photo of your rejected SHA claim document."},
		{ReplyClaimNotFound, "We could not find claim #{{claim_number}} awaiting payment."},
		{ReplyHelp, "Send a photo of your rejected SHA claim document. Reply \"status\" to see your recent claims."},
	}
	for i := range builtIn {
		tpl := builtIn[i]
		t.templates[tpl.ID] = &tpl
	}
}

// Register adds or replaces a template.
func (t *Templates) Register(tpl Template) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[tpl.ID] = &tpl
}

// Render replaces {{key}} placeholders with data. Keys missing from data are
// left as-is.
func (t *Templates) Render(id string, data map[string]string) (string, error) {
	t.mu.RLock()
	tpl, ok := t.templates[id]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", id)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(tpl.Body), nil
}

// MustRender is Render for built-in ids.
func (t *Templates) MustRender(id string, data map[string]string) string {
	s, err := t.Render(id, data)
	if err != nil {
		panic(err)
	}
	return s
}
