package main

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

func main() {
	s := device.NewStream()
	defer s.Close()

	// 1 batch element, 2 beams, vocab 6, k=4
	scores := device.NewFloatBuffer("check_scores", 2, 6)
	scores.CopyFromHost(s, []float32{
		-0.5, -2.0, -0.1, -3.0, -0.1, -9.0,
		-1.0, -0.2, -4.0, -0.2, -5.0, -6.0,
	})

	outScores := device.NewFloatBuffer("check_topk_scores", 1, 4)
	outTokens := device.NewIntBuffer("check_topk_tokens", 1, 4)
	outBeams := device.NewIntBuffer("check_topk_beams", 1, 4)

	device.TopK(s, scores, 1, 2, 6, 4, outScores, outTokens, outBeams)
	s.Synchronize()

	for i := 0; i < 4; i++ {
		fmt.Printf("#%d: score=%.2f token=%d beam=%d\n",
			i, outScores.Data()[i], outTokens.Data()[i], outBeams.Data()[i])
	}

	outScores.Free()
	outTokens.Free()
	outBeams.Free()
	scores.Free()
}
