package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

const (
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
	tokenPAD = "[PAD]"
	tokenUNK = "[UNK]"

	subwordPrefix = "##"
	maxWordRunes  = 100
)

// WordPieceTokenizer implements BERT's basic + WordPiece tokenization against a vocab file,
// the tokenizer a BERT-family ONNX export expects.
type WordPieceTokenizer struct {
	vocab     map[string]int64
	lowercase bool
	clsID     int64
	sepID     int64
	padID     int64
	unkID     int64
}

// LoadWordPieceTokenizer reads a vocab.txt (one token per line, id = line number).
func LoadWordPieceTokenizer(path string, lowercase bool) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if _, dup := vocab[token]; !dup {
			vocab[token] = id
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	return NewWordPieceTokenizer(vocab, lowercase)
}

// NewWordPieceTokenizer builds a tokenizer from an in-memory vocabulary.
// The vocabulary must contain [CLS], [SEP], [PAD] and [UNK].
func NewWordPieceTokenizer(vocab map[string]int64, lowercase bool) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{vocab: vocab, lowercase: lowercase}
	for token, dst := range map[string]*int64{
		tokenCLS: &t.clsID, tokenSEP: &t.sepID, tokenPAD: &t.padID, tokenUNK: &t.unkID,
	} {
		id, ok := vocab[token]
		if !ok {
			return nil, fmt.Errorf("vocab is missing special token %s", token)
		}
		*dst = id
	}
	return t, nil
}

// Tokenize produces [CLS] pieces... [SEP] followed by [PAD] up to maxTokens.
func (t *WordPieceTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)
	for i := range inputIDs {
		inputIDs[i] = t.padID
	}

	inputIDs[0] = t.clsID
	attentionMask[0] = 1
	pos := 1
	for _, word := range t.basicTokenize(text) {
		if pos >= maxTokens-1 {
			break
		}
		for _, id := range t.wordPiece(word) {
			if pos >= maxTokens-1 {
				break
			}
			inputIDs[pos] = id
			attentionMask[pos] = 1
			pos++
		}
	}
	if pos < maxTokens {
		inputIDs[pos] = t.sepID
		attentionMask[pos] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

// basicTokenize cleans text, optionally lowercases it, and splits on whitespace and punctuation.
func (t *WordPieceTokenizer) basicTokenize(text string) []string {
	if t.lowercase {
		text = strings.ToLower(text)
	}
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar:
			continue
		case unicode.IsSpace(r):
			flush()
		case unicode.IsControl(r):
			continue
		case isPunctuation(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// wordPiece splits a word greedily into the longest vocabulary pieces, left to right.
// A word with any unmatchable span becomes a single [UNK].
func (t *WordPieceTokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []int64{t.unkID}
	}
	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		found := int64(-1)
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = subwordPrefix + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return []int64{t.unkID}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}
