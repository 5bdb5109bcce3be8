package embedding

// defaultMaxChars bounds a chunk when the provider does not say.
const defaultMaxChars = 2000

// Chunk breaks text into pieces of at most maxChars characters with a 10%
// overlap, so a sentence straddling a boundary still lands whole in one
// chunk. Cuts fall on rune boundaries. Empty text yields no chunks.
func Chunk(text string, maxChars int) []string {
	if text == "" {
		return nil
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return []string{text}
	}

	overlap := maxChars / 10
	step := maxChars - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + maxChars
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
