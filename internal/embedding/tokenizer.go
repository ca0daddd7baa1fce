package embedding

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
//
// Every slice has exactly maxTokens entries. Text that does not fit is truncated: tokens past
// maxTokens-2 are dropped without error, so very long clinical sentences lose their tail.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

const (
	simpleCLS = 101
	simpleSEP = 102
)

// SimpleTokenizer is a word-split tokenizer with hash-based token IDs (for testing or fallback).
type SimpleTokenizer struct{}

// Tokenize splits text into words and produces padded token IDs up to maxTokens.
func (t *SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	words := SplitWords(text)
	if maxTokens <= 0 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = simpleCLS
	attentionMask[0] = 1

	pos := 1
	for _, word := range words {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = int64(HashString(word)%30000) + 1000
		attentionMask[pos] = 1
		pos++
	}
	if pos < maxTokens {
		inputIDs[pos] = simpleSEP
		attentionMask[pos] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

// SplitWords splits text on whitespace and returns non-empty words.
func SplitWords(text string) []string {
	var words []string
	word := ""
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			if word != "" {
				words = append(words, word)
				word = ""
			}
		} else {
			word += string(r)
		}
	}
	if word != "" {
		words = append(words, word)
	}
	return words
}

// HashString returns a deterministic non-negative hash for use as a simple token ID.
func HashString(s string) int {
	var h uint32
	for _, c := range s {
		h = 31*h + uint32(c)
	}
	return int(h)
}

// fillBatch tokenizes texts into the row-major [rows][maxTokens] buffers ids, mask and types.
// Rows past len(texts) are zeroed so they carry an all-padding mask.
func fillBatch(tok Tokenizer, texts []string, maxTokens int, ids, mask, types []int64) {
	for i := range ids {
		ids[i] = 0
		mask[i] = 0
		types[i] = 0
	}
	for row, text := range texts {
		rowIDs, rowMask, rowTypes := tok.Tokenize(text, maxTokens)
		off := row * maxTokens
		copy(ids[off:off+maxTokens], rowIDs)
		copy(mask[off:off+maxTokens], rowMask)
		copy(types[off:off+maxTokens], rowTypes)
	}
}
