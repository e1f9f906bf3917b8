package anthropic

// CachedSystem returns system blocks with a 1-hour cache breakpoint, or nil
// for empty text.
func CachedSystem(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "1h"}}}
}
