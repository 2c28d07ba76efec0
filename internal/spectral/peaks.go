package spectral

import (
	"math"
	"sort"
)

// Peak is a local spectral maximum.
type Peak struct {
	TimeIdx int     // frame index in the spectrogram
	FreqIdx int     // frequency bin index
	Time    float64 // seconds
	Freq    float64 // Hz
	Mag     float64 // linear magnitude
	MagDB   float64
}

type PeakConfig struct {
	WindowSize int
	HopSize    int
	// Candidate must exceed the mean of the band maxima by this many dB.
	MinDbAboveAvg float64
	// Candidate must be within this many dB of the loudest bin of its frame.
	FrameRangeDb float64
	// Frames whose loudest bin is below this linear magnitude are silent.
	MinMagnitude float64
	// Frames on each side a candidate must also dominate. Zero compares
	// within its own frame only, which keeps every frame of a held tone.
	TimeNeighbours int
}

func DefaultPeakConfig() PeakConfig {
	return PeakConfig{
		WindowSize:     WindowSize,
		HopSize:        HopSize,
		MinDbAboveAvg:  3,
		FrameRangeDb:   30,
		MinMagnitude:   1e-3,
		TimeNeighbours: 1,
	}
}

const (
	freqNeighbour = 3
	eps           = 1e-10
)

// bands splits nBins into roughly logarithmic bands: [0,10), [10,20), [20,40)...
func bands(nBins int) [][2]int {
	out := [][2]int{{0, min(10, nBins)}}
	for start := 10; start < nBins; start *= 2 {
		end := min(start*2, nBins)
		out = append(out, [2]int{start, end})
		if end == nBins {
			break
		}
	}
	return out
}

// ExtractPeaks picks the strongest bin per band in every frame and keeps it
// when it clears the adaptive threshold and is a local maximum in its
// time/frequency neighbourhood. Result is ordered by time, then frequency.
func ExtractPeaks(spec [][]float64, sampleRate int, cfg PeakConfig) []Peak {
	if len(spec) == 0 || len(spec[0]) == 0 {
		return nil
	}

	nFrames := len(spec)
	nBins := len(spec[0])
	frameTime := float64(cfg.HopSize) / float64(sampleRate)
	bandList := bands(nBins)

	var peaks []Peak
	maxMag := make([]float64, len(bandList))
	maxIdx := make([]int, len(bandList))

	for t := 0; t < nFrames; t++ {
		frame := spec[t]

		frameMax := 0.0
		for bi, b := range bandList {
			maxMag[bi], maxIdx[bi] = 0, b[0]
			for i := b[0]; i < b[1]; i++ {
				if frame[i] > maxMag[bi] {
					maxMag[bi], maxIdx[bi] = frame[i], i
				}
			}
			frameMax = math.Max(frameMax, maxMag[bi])
		}
		if frameMax < cfg.MinMagnitude {
			continue
		}

		var sumDb float64
		for _, m := range maxMag {
			sumDb += 20 * math.Log10(m+eps)
		}
		avgDb := sumDb / float64(len(maxMag))
		floorDb := 20*math.Log10(frameMax+eps) - cfg.FrameRangeDb

		for bi, mag := range maxMag {
			if mag <= 0 {
				continue
			}
			magDb := 20 * math.Log10(mag+eps)
			if magDb < avgDb+cfg.MinDbAboveAvg || magDb < floorDb {
				continue
			}

			bin := maxIdx[bi]
			if !isLocalMax(spec, t, bin, mag, max(cfg.TimeNeighbours, 0)) {
				continue
			}

			peaks = append(peaks, Peak{
				TimeIdx: t,
				FreqIdx: bin,
				Time:    float64(t) * frameTime,
				Freq:    BinFrequency(bin, sampleRate, cfg.WindowSize),
				Mag:     mag,
				MagDB:   magDb,
			})
		}
	}

	sort.Slice(peaks, func(i, j int) bool {
		if peaks[i].TimeIdx == peaks[j].TimeIdx {
			return peaks[i].FreqIdx < peaks[j].FreqIdx
		}
		return peaks[i].TimeIdx < peaks[j].TimeIdx
	})
	return peaks
}

func isLocalMax(spec [][]float64, t, bin int, mag float64, timeNeighbours int) bool {
	for dt := -timeNeighbours; dt <= timeNeighbours; dt++ {
		ti := t + dt
		if ti < 0 || ti >= len(spec) {
			continue
		}
		for df := -freqNeighbour; df <= freqNeighbour; df++ {
			fi := bin + df
			if fi < 0 || fi >= len(spec[ti]) || (dt == 0 && df == 0) {
				continue
			}
			if spec[ti][fi] > mag {
				return false
			}
		}
	}
	return true
}
