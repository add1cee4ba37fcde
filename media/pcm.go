package media

import "math"

// PCM is a pre-decoded, interleaved 16-bit audio buffer. Start is the
// presentation time of the first sample frame in microseconds.
type PCM struct {
	SampleRate int
	Channels   int
	Start      int64
	Samples    []int16
}

// PCMChunk is the slice of a PCM buffer presented with one video frame.
type PCMChunk struct {
	PTS        int64
	SampleRate int
	Channels   int
	Samples    []int16
}

// frames returns the number of sample frames in the buffer.
func (p PCM) frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// sampleAt maps a timestamp to the nearest sample frame index, clamped to
// the buffer.
func (p PCM) sampleAt(pts int64) int {
	i := math.Round(float64(pts-p.Start) * float64(p.SampleRate) / 1e6)
	return int(min(max(i, 0), float64(p.frames())))
}

// AlignPCM slices pcm into one chunk per video frame. Chunk i spans
// [pts[i], pts[i+1]); the last chunk spans one frame duration at fps, or
// the previous frame interval when fps is zero. Chunks alias pcm.Samples.
// Frames outside the buffer get empty chunks.
func AlignPCM(pcm PCM, pts []int64, fps float64) []PCMChunk {
	if len(pts) == 0 || pcm.SampleRate <= 0 || pcm.Channels <= 0 {
		return nil
	}
	out := make([]PCMChunk, len(pts))
	for i, t := range pts {
		var end int64
		switch {
		case i+1 < len(pts):
			end = pts[i+1]
		case fps > 0:
			end = t + int64(math.Round(1e6/fps))
		case i > 0:
			end = t + (t - pts[i-1])
		default:
			end = t
		}
		a, b := pcm.sampleAt(t), pcm.sampleAt(end)
		b = max(a, b)
		out[i] = PCMChunk{
			PTS:        t,
			SampleRate: pcm.SampleRate,
			Channels:   pcm.Channels,
			Samples:    pcm.Samples[a*pcm.Channels : b*pcm.Channels],
		}
	}
	return out
}
