package validate

import (
	"fmt"
	"unicode/utf8"
)

// Text field length limits shared by the API and the CLI.
const (
	MaxTitleLength       = 500
	MaxDescriptionLength = 5000
	MaxUsernameLength    = 64
	MaxFilenameLength    = 255
	MaxSearchQueryLength = 200
	MaxWebhookURLLength  = 500
)

func checkLen(value string, max int, field string) string {
	if utf8.RuneCountInString(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func Title(s string) string       { return checkLen(s, MaxTitleLength, "title") }
func Description(s string) string { return checkLen(s, MaxDescriptionLength, "description") }
func Username(s string) string    { return checkLen(s, MaxUsernameLength, "username") }
func Filename(s string) string    { return checkLen(s, MaxFilenameLength, "filename") }
func SearchQuery(s string) string { return checkLen(s, MaxSearchQueryLength, "search query") }
func WebhookURL(s string) string  { return checkLen(s, MaxWebhookURLLength, "webhook URL") }

// FieldLimits returns a map of field names to max lengths for the /api/limits endpoint.
func FieldLimits() map[string]int {
	return map[string]int{
		"title":       MaxTitleLength,
		"description": MaxDescriptionLength,
		"username":    MaxUsernameLength,
		"filename":    MaxFilenameLength,
		"searchQuery": MaxSearchQueryLength,
		"webhookURL":  MaxWebhookURLLength,
	}
}
