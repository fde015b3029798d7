package catalog

import (
	"strings"
)

// ByOwner keeps the videos uploaded by address, compared case-insensitively.
func ByOwner(videos []Video, address string) []Video {
	address = strings.TrimSpace(address)
	out := []Video{}
	if address == "" {
		return out
	}
	for _, v := range videos {
		if strings.EqualFold(v.Uploader, address) {
			out = append(out, v)
		}
	}
	return out
}

// Search keeps the videos whose title or description contains every
// whitespace-separated term of query, ignoring case. An empty query matches
// everything.
func Search(videos []Video, query string) []Video {
	terms := strings.Fields(strings.ToLower(query))
	out := make([]Video, 0, len(videos))
	for _, v := range videos {
		if matches(v, terms) {
			out = append(out, v)
		}
	}
	return out
}

func matches(v Video, terms []string) bool {
	title := strings.ToLower(v.Title)
	description := strings.ToLower(v.Description)
	for _, t := range terms {
		if !strings.Contains(title, t) && !strings.Contains(description, t) {
			return false
		}
	}
	return true
}
