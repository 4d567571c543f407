package model

import (
	"errors"
	"time"
)

// ErrReviewNotFound is returned by VoteHelpful when the user has not reviewed the record.
var ErrReviewNotFound = errors.New("review not found")

// ApplyReview records userID's review. An existing review by the same user is
// replaced in place, keeping its helpful votes; otherwise the review is
// appended. Ratings are recomputed before returning so the aggregate never
// disagrees with the review list.
func (r *ServiceRecord) ApplyReview(userID string, rating int, comment string, now time.Time) {
	replaced := false
	for i := range r.Reviews {
		if r.Reviews[i].UserID == userID {
			r.Reviews[i].Rating = rating
			r.Reviews[i].Comment = comment
			r.Reviews[i].Date = now
			replaced = true
			break
		}
	}
	if !replaced {
		r.Reviews = append(r.Reviews, Review{
			UserID:  userID,
			Rating:  rating,
			Comment: comment,
			Date:    now,
		})
	}
	r.RecomputeRatings()
}

// RecomputeRatings sets Ratings to the count and mean of Reviews.
func (r *ServiceRecord) RecomputeRatings() {
	if len(r.Reviews) == 0 {
		r.Ratings = Ratings{}
		return
	}
	sum := 0
	for _, rv := range r.Reviews {
		sum += rv.Rating
	}
	r.Ratings = Ratings{
		Average: float64(sum) / float64(len(r.Reviews)),
		Count:   len(r.Reviews),
	}
}

// VoteHelpful increments the helpful votes on reviewUserID's review.
func (r *ServiceRecord) VoteHelpful(reviewUserID string) error {
	for i := range r.Reviews {
		if r.Reviews[i].UserID == reviewUserID {
			r.Reviews[i].HelpfulVotes++
			return nil
		}
	}
	return ErrReviewNotFound
}
