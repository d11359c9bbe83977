package domain

// RunningMean folds one rating into a mean kept as (mean, count) without
// storing individual ratings.
func RunningMean(mean float64, count int, rating float64) (float64, int) {
	if count <= 0 {
		return rating, 1
	}
	return (mean*float64(count) + rating) / float64(count+1), count + 1
}
