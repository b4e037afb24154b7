package device

import (
	"math"
)

// Kernel primitives for the decode pipeline. Each call enqueues one op on the
// stream and returns immediately; execution is asynchronous and FIFO-ordered
// relative to other ops on the same stream.

// LogSoftmax normalizes each row of scores ([rows, vocab]) in place so the
// entries are log-probabilities. Numerically stable (max-shifted).
func LogSoftmax(s *Stream, scores *FloatBuffer, rows, vocab int) {
	s.Submit("log_softmax", func() {
		data := scores.data
		for r := 0; r < rows; r++ {
			row := data[r*vocab : (r+1)*vocab]
			maxVal := row[0]
			for _, v := range row[1:] {
				if v > maxVal {
					maxVal = v
				}
			}
			var sum float64
			for _, v := range row {
				sum += math.Exp(float64(v - maxVal))
			}
			logSum := maxVal + float32(math.Log(sum))
			for i := range row {
				row[i] -= logSum
			}
		}
	})
}

// Argmax writes the index of each row's maximum score into out. Ties break
// toward the lowest token id.
func Argmax(s *Stream, scores *FloatBuffer, rows, vocab int, out *IntBuffer) {
	s.Submit("argmax", func() {
		data := scores.data
		for r := 0; r < rows; r++ {
			row := data[r*vocab : (r+1)*vocab]
			best := 0
			for i := 1; i < vocab; i++ {
				if row[i] > row[best] {
					best = i
				}
			}
			out.data[r] = int32(best)
		}
	})
}

// TopK selects, for each batch element, the k highest entries from the
// concatenated score rows of its beams (beams*vocab entries). Results are
// written descending into outScores/outTokens/outBeams at offset b*k. Ties
// break toward the lower flat index, i.e. lower beam first, then lower token
// id.
func TopK(s *Stream, scores *FloatBuffer, batch, beams, vocab, k int,
	outScores *FloatBuffer, outTokens, outBeams *IntBuffer) {
	s.Submit("topk", func() {
		group := beams * vocab
		type cand struct {
			score float32
			flat  int
		}
		top := make([]cand, 0, k)
		for b := 0; b < batch; b++ {
			data := scores.data[b*group : (b+1)*group]
			top = top[:0]
			for i, v := range data {
				if len(top) == k && v <= top[k-1].score {
					continue
				}
				// strict > keeps the earlier flat index ahead on ties
				pos := len(top)
				for pos > 0 && v > top[pos-1].score {
					pos--
				}
				if len(top) < k {
					top = append(top, cand{})
				}
				copy(top[pos+1:], top[pos:len(top)-1])
				top[pos] = cand{score: v, flat: i}
			}
			for i, c := range top {
				outScores.data[b*k+i] = c.score
				outTokens.data[b*k+i] = int32(c.flat % vocab)
				outBeams.data[b*k+i] = int32(c.flat / vocab)
			}
		}
	})
}

// AddScores adds each row's cumulative beam score to every vocabulary entry
// of that row, making candidate scores comparable across beams.
func AddScores(s *Stream, scores *FloatBuffer, beamScores *FloatBuffer, rows, vocab int) {
	s.Submit("add_scores", func() {
		for r := 0; r < rows; r++ {
			cum := beamScores.data[r]
			row := scores.data[r*vocab : (r+1)*vocab]
			for i := range row {
				row[i] += cum
			}
		}
	})
}

// RepetitionPenalty scales the score of every token already present in each
// row's generated-so-far sequence. Positive scores are divided by the
// penalty, negative scores multiplied, so penalty > 1 always suppresses.
func RepetitionPenalty(s *Stream, seqs *IntBuffer, scores *FloatBuffer,
	rows, vocab, maxLen, curLen int, penalty float32) {
	s.Submit("repetition_penalty", func() {
		for r := 0; r < rows; r++ {
			row := scores.data[r*vocab : (r+1)*vocab]
			seq := seqs.data[r*maxLen : r*maxLen+curLen]
			for _, tok := range seq {
				v := row[tok]
				if v < 0 {
					row[tok] = v * penalty
				} else {
					row[tok] = v / penalty
				}
			}
		}
	})
}

// MaskToken forces one vocabulary entry to the most negative representable
// score in every row, so it cannot be selected this step.
func MaskToken(s *Stream, scores *FloatBuffer, rows, vocab int, token int32) {
	s.Submit("mask_token", func() {
		for r := 0; r < rows; r++ {
			scores.data[r*vocab+int(token)] = -math.MaxFloat32
		}
	})
}

// CheckEOS latches, per row, whether the selected token equals the eos id.
// Rows that latched on an earlier step have their token rewritten to the pad
// id. When every row has latched, the done flag is set; the write is
// asynchronous and the host may observe it one step late.
func CheckEOS(s *Stream, tokens *IntBuffer, eosMet *IntBuffer, eos, pad int32, done *Flag) {
	s.Submit("check_eos", func() {
		all := true
		for i := range tokens.data {
			if eosMet.data[i] != 0 {
				tokens.data[i] = pad
				continue
			}
			if tokens.data[i] == eos {
				eosMet.data[i] = 1
			} else {
				all = false
			}
		}
		if all {
			done.Set()
		}
	})
}

// CopyLastLogits copies the final position's slice of a [rows, inputLen,
// vocab] logits buffer into the [rows, vocab] score buffer.
func CopyLastLogits(s *Stream, logits *FloatBuffer, scores *FloatBuffer, rows, inputLen, vocab int) {
	s.Submit("copy_last_logits", func() {
		for r := 0; r < rows; r++ {
			src := logits.data[r*inputLen*vocab+(inputLen-1)*vocab : r*inputLen*vocab+inputLen*vocab]
			copy(scores.data[r*vocab:(r+1)*vocab], src)
		}
	})
}

// GatherAppend builds the next sequence generation: for each row, it copies
// the first curLen tokens of the source beam's row (within the same batch
// element) from src into dst, then appends that row's new token. sourceBeams
// and tokens are host slices the caller must keep unchanged until the op has
// executed.
func GatherAppend(s *Stream, dst, src *IntBuffer, sourceBeams, tokens []int32,
	batch, beams, maxLen, curLen int) {
	s.Submit("gather_append", func() {
		for b := 0; b < batch; b++ {
			for j := 0; j < beams; j++ {
				r := b*beams + j
				srcRow := b*beams + int(sourceBeams[r])
				copy(dst.data[r*maxLen:r*maxLen+curLen], src.data[srcRow*maxLen:srcRow*maxLen+curLen])
				dst.data[r*maxLen+curLen] = tokens[r]
			}
		}
	})
}
