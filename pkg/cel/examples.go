package cel

// ConditionExamples are celExpression rule conditions accepted by the management API.
var ConditionExamples = map[string]string{
	"vip_domain":         `sender_domain in ["acme.com", "acme.io"]`,
	"urgent_subject":     `subject.lowerAscii().contains("urgent")`,
	"large_attachments":  `attachment_count > 2`,
	"whatsapp_only":      `channel == "whatsapp"`,
	"after_hours":        `created.getHours("UTC") >= 18`,
	"header_present":     `"List-Unsubscribe" in headers`,
	"refund_request":     `body.lowerAscii().contains("refund") && !has_attachments`,
	"quick_reply_button": `has(payload.interactive)`,
	"many_recipients":    `size(recipients) > 5`,
}
