package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const maxPerPage = 200 // Strava's hard cap

// ActivityFilter narrows a paginated activity listing.
type ActivityFilter struct {
	After   time.Time
	Before  time.Time
	PerPage int
}

// ActivityPager walks /athlete/activities lazily, one page per Next
// call. It is finite: it stops on an empty or short page, or once the
// configured maximum page count is reached (guards against
// provider-side pagination bugs). Restartable from the first page only
// via Reset.
type ActivityPager struct {
	client    *Client
	athleteID string
	filter    ActivityFilter
	perPage   int
	page      int
	done      bool
}

// Activities returns a pager over the athlete's activities.
func (c *Client) Activities(athleteID string, filter ActivityFilter) *ActivityPager {
	per := filter.PerPage
	if per <= 0 {
		per = 100
	}
	if per > maxPerPage {
		per = maxPerPage
	}
	return &ActivityPager{
		client:    c,
		athleteID: athleteID,
		filter:    filter,
		perPage:   per,
	}
}

// Next fetches the next page. ok is false when there are no further
// pages; the returned slice is then empty.
func (p *ActivityPager) Next(ctx context.Context) (activities []Activity, ok bool, err error) {
	if p.done {
		return nil, false, nil
	}
	if p.page >= p.client.maxPages {
		p.done = true
		return nil, false, nil
	}
	p.page++

	params := url.Values{}
	params.Set("page", strconv.Itoa(p.page))
	params.Set("per_page", strconv.Itoa(p.perPage))
	if !p.filter.After.IsZero() {
		params.Set("after", strconv.FormatInt(p.filter.After.Unix(), 10))
	}
	if !p.filter.Before.IsZero() {
		params.Set("before", strconv.FormatInt(p.filter.Before.Unix(), 10))
	}

	body, err := p.client.Fetch(ctx, p.athleteID, "/athlete/activities", params)
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, false, fmt.Errorf("decode activities page %d: %w", p.page, err)
	}

	if len(activities) == 0 {
		p.done = true
		return nil, false, nil
	}
	if len(activities) < p.perPage {
		// Short page means the provider is out of activities.
		p.done = true
	}
	return activities, true, nil
}

// Reset restarts the pager from the first page.
func (p *ActivityPager) Reset() {
	p.page = 0
	p.done = false
}

// PosterActivities gathers the activity set for a poster job: the
// named activities when ids are given, otherwise every activity in the
// [after, before) window.
func (c *Client) PosterActivities(ctx context.Context, athleteID string, ids []int64, after, before time.Time) ([]Activity, error) {
	if len(ids) > 0 {
		out := make([]Activity, 0, len(ids))
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a, err := c.Activity(ctx, athleteID, id)
			if err != nil {
				return nil, err
			}
			out = append(out, *a)
		}
		return out, nil
	}
	return c.AllActivities(ctx, athleteID, ActivityFilter{After: after, Before: before})
}

// AllActivities gathers every page into one slice, in page order.
func (c *Client) AllActivities(ctx context.Context, athleteID string, filter ActivityFilter) ([]Activity, error) {
	pager := c.Activities(athleteID, filter)
	var all []Activity
	for {
		page, ok, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, page...)
	}
}
