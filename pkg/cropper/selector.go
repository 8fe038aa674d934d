package cropper

// SelectBest picks the candidate with the highest composition score, breaking
// ties by aesthetic score and then by input order. It returns false for an
// empty list.
func SelectBest(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CompositionScore > best.CompositionScore {
			best = c
			continue
		}
		if c.CompositionScore == best.CompositionScore && c.AestheticScore > best.AestheticScore {
			best = c
		}
	}
	return best, true
}
