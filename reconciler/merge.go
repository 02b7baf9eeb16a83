package reconciler

import (
	"math"
	"sort"
	"strings"
	"time"

	"dolabb/models"
)

// MergeResult describes what one merge did to the log
type MergeResult struct {
	Added     []string
	Replaced  []string // optimistic ids that were swapped for confirmed entries
	Updated   []string // confirmed ids mutated in place
	Removed   []string
	Duplicate bool
}

// Changed reports whether the log differs from before the merge
func (r MergeResult) Changed() bool {
	return len(r.Added)+len(r.Replaced)+len(r.Updated)+len(r.Removed) > 0
}

// Less is the log order: timestamp ascending, untimestamped entries last,
// ids break ties.
func Less(a, b *models.Message) bool {
	az, bz := a.Timestamp.IsZero(), b.Timestamp.IsZero()
	switch {
	case !az && !bz && !a.Timestamp.Equal(b.Timestamp):
		return a.Timestamp.Before(b.Timestamp)
	case az != bz:
		return bz
	default:
		return a.ID < b.ID
	}
}

// Sort orders log in place
func Sort(log []models.Message) {
	sort.SliceStable(log, func(i, j int) bool { return Less(&log[i], &log[j]) })
}

func indexByID(log []models.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

func normText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sameAmount(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

func withinWindow(m *models.Message, now time.Time, window time.Duration) bool {
	if m.CreatedLocally.IsZero() {
		return false
	}
	return now.Sub(m.CreatedLocally) <= window
}

// mostRecent returns the index of the newest optimistic entry satisfying match
func mostRecent(log []models.Message, match func(*models.Message) bool) int {
	best := -1
	for i := range log {
		m := &log[i]
		if !m.IsOptimistic() || !match(m) {
			continue
		}
		if best < 0 || !m.CreatedLocally.Before(log[best].CreatedLocally) {
			best = i
		}
	}
	return best
}

// chatMatcher matches a plain optimistic chat entry against confirmed
func chatMatcher(confirmed *models.Message, now time.Time, window time.Duration) func(*models.Message) bool {
	text := normText(confirmed.Text)
	return func(m *models.Message) bool {
		if strings.HasPrefix(m.ID, models.TempOfferPrefix) || strings.HasPrefix(m.ID, models.TempCounterPrefix) {
			return false
		}
		if m.Sender != confirmed.Sender {
			return false
		}
		if m.SenderID != "" && confirmed.SenderID != "" && m.SenderID != confirmed.SenderID {
			return false
		}
		return normText(m.Text) == text &&
			len(m.Attachments) == len(confirmed.Attachments) &&
			withinWindow(m, now, window)
	}
}

// offerMatcher matches temp-offer- and temp-counter- entries against a
// confirmed offer transition. Live frames are strict about the transition
// status; REST snapshots carry the thread's current status instead.
// Counter drafts are keyed by offer id and amount and never expire.
func offerMatcher(confirmed *models.Message, now time.Time, window time.Duration, strict bool) func(*models.Message) bool {
	o := confirmed.Offer
	return func(m *models.Message) bool {
		if o == nil || m.Offer == nil {
			return false
		}
		switch {
		case strings.HasPrefix(m.ID, models.TempCounterPrefix):
			return (!strict || o.Status == models.OfferStatusCountered) &&
				m.OfferID == confirmed.OfferID &&
				o.CounterAmount != nil && m.Offer.CounterAmount != nil &&
				sameAmount(*o.CounterAmount, *m.Offer.CounterAmount)
		case strings.HasPrefix(m.ID, models.TempOfferPrefix):
			return withinWindow(m, now, window) &&
				(!strict || o.Status == models.OfferStatusPending) &&
				m.Sender == confirmed.Sender &&
				m.Offer.ProductID == o.ProductID &&
				sameAmount(m.Offer.OfferAmount, o.OfferAmount)
		}
		return false
	}
}

// AppendLocal inserts an optimistic entry
func AppendLocal(log []models.Message, m models.Message) ([]models.Message, MergeResult) {
	if i := indexByID(log, m.ID); i >= 0 {
		return log, MergeResult{Duplicate: true}
	}
	out := append(cloneLog(log), m.Clone())
	Sort(out)
	return out, MergeResult{Added: []string{m.ID}}
}

// MergeChat merges a confirmed chat message. The newest matching optimistic
// entry is replaced and marked delivered; an exact id match is a duplicate.
func MergeChat(log []models.Message, m models.Message, now time.Time, window time.Duration) ([]models.Message, MergeResult) {
	if indexByID(log, m.ID) >= 0 {
		return log, MergeResult{Duplicate: true}
	}
	out := cloneLog(log)
	m = m.Clone()
	if i := mostRecent(out, chatMatcher(&m, now, window)); i >= 0 {
		tempID := out[i].ID
		m.IsDelivered = true
		out[i] = m
		Sort(out)
		return out, MergeResult{Replaced: []string{tempID}, Added: []string{m.ID}}
	}
	out = append(out, m)
	Sort(out)
	return out, MergeResult{Added: []string{m.ID}}
}

// MergeOffer merges a confirmed offer transition.
//
// sent and countered transitions always append unless an optimistic draft
// matches or the id is already present. accepted and rejected transitions
// update every confirmed entry of the thread and only append when the
// thread has no confirmed entry yet.
func MergeOffer(log []models.Message, m models.Message, now time.Time, window time.Duration) ([]models.Message, MergeResult) {
	if indexByID(log, m.ID) >= 0 {
		return log, MergeResult{Duplicate: true}
	}
	out := cloneLog(log)
	m = m.Clone()

	if m.Offer != nil && m.Offer.Status.IsTerminal() {
		var res MergeResult
		for i := range out {
			e := &out[i]
			if e.IsOptimistic() || e.OfferID != m.OfferID || e.Offer == nil {
				continue
			}
			applyTransition(e.Offer, m.Offer)
			res.Updated = append(res.Updated, e.ID)
		}
		if len(res.Updated) > 0 {
			return out, res
		}
	}

	if i := mostRecent(out, offerMatcher(&m, now, window, true)); i >= 0 {
		tempID := out[i].ID
		m.IsDelivered = true
		out[i] = m
		Sort(out)
		return out, MergeResult{Replaced: []string{tempID}, Added: []string{m.ID}}
	}
	out = append(out, m)
	Sort(out)
	return out, MergeResult{Added: []string{m.ID}}
}

// applyTransition moves an existing snapshot to the status of next, keeping
// the amounts the snapshot was rendered with
func applyTransition(dst, next *models.Offer) {
	dst.Status = next.Status
	if next.PaymentStatus != "" {
		dst.PaymentStatus = next.PaymentStatus
	}
}

// MergeFirstPage treats page as authoritative for confirmed history while
// keeping live state REST has not caught up with: unmatched optimistic
// entries, entries newer than the newest page item, and offer entries the
// page does not contain. Cached entries are never kept.
func MergeFirstPage(log, page []models.Message, window time.Duration) ([]models.Message, MergeResult) {
	out := make([]models.Message, 0, len(page)+len(log))
	seen := make(map[string]bool, len(page))
	var newest time.Time
	for _, m := range page {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m.Clone())
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}

	prev := make(map[string]int, len(log))
	for i := range log {
		prev[log[i].ID] = i
	}
	// REST may lag behind live transitions on entries it does return
	for i := range out {
		j, ok := prev[out[i].ID]
		if !ok {
			continue
		}
		old := &log[j]
		out[i].IsDelivered = out[i].IsDelivered || old.IsDelivered
		if old.Offer != nil && old.Offer.Status.IsTerminal() && out[i].Offer != nil && !out[i].Offer.Status.IsTerminal() {
			applyTransition(out[i].Offer, old.Offer)
		}
	}

	var res MergeResult
	// entries already in the log had their chance to confirm a draft when they arrived
	fromPage := len(out)
	consumed := make(map[int]bool)
	for j := range out {
		if _, ok := prev[out[j].ID]; ok {
			consumed[j] = true
		}
	}
	for i := range log {
		e := &log[i]
		if seen[e.ID] || e.Cached {
			continue
		}
		if e.IsOptimistic() {
			if j := confirmedIn(out[:fromPage], e, consumed, window); j >= 0 {
				consumed[j] = true
				out[j].IsDelivered = true
				res.Replaced = append(res.Replaced, e.ID)
				continue
			}
			out = append(out, e.Clone())
			continue
		}
		// entries without a usable timestamp sort last, so they count as live too
		if e.Timestamp.IsZero() || e.Timestamp.After(newest) || (e.IsOffer() && e.OfferID != "") {
			out = append(out, e.Clone())
			continue
		}
		res.Removed = append(res.Removed, e.ID)
	}
	for _, m := range out {
		if _, ok := prev[m.ID]; !ok && seen[m.ID] {
			res.Added = append(res.Added, m.ID)
		}
	}
	for i := range log {
		if log[i].Cached && !seen[log[i].ID] {
			res.Removed = append(res.Removed, log[i].ID)
		}
	}
	Sort(out)
	return out, res
}

// confirmedIn finds the page entry that confirms the optimistic entry temp.
// The window is measured from the draft's creation to the confirmation's
// timestamp; counter drafts match regardless of age.
func confirmedIn(page []models.Message, temp *models.Message, consumed map[int]bool, window time.Duration) int {
	counter := strings.HasPrefix(temp.ID, models.TempCounterPrefix)
	for j := range page {
		c := &page[j]
		if consumed[j] {
			continue
		}
		ref := c.Timestamp
		if !counter && (ref.IsZero() || ref.Before(temp.CreatedLocally.Add(-window))) {
			continue
		}
		var match func(*models.Message) bool
		if c.IsOffer() {
			match = offerMatcher(c, ref, window, false)
		} else {
			match = chatMatcher(c, ref, window)
		}
		draft := *temp
		if !ref.IsZero() && draft.CreatedLocally.After(ref) {
			// server clock ahead of ours
			draft.CreatedLocally = ref
		}
		if match(&draft) {
			return j
		}
	}
	return -1
}

// MergeOlderPage adds strictly older history. Entries already present are
// never overwritten.
func MergeOlderPage(log, page []models.Message) ([]models.Message, MergeResult) {
	out := cloneLog(log)
	have := make(map[string]bool, len(out))
	for i := range out {
		have[out[i].ID] = true
	}
	var res MergeResult
	// pages arrive newest first
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i]
		if m.ID == "" || have[m.ID] {
			continue
		}
		have[m.ID] = true
		out = append(out, m.Clone())
		res.Added = append(res.Added, m.ID)
	}
	if len(res.Added) == 0 {
		res.Duplicate = len(page) > 0
		return log, res
	}
	Sort(out)
	return out, res
}

// RemoveWhere drops every entry matching pred
func RemoveWhere(log []models.Message, pred func(*models.Message) bool) ([]models.Message, MergeResult) {
	var res MergeResult
	out := make([]models.Message, 0, len(log))
	for i := range log {
		if pred(&log[i]) {
			res.Removed = append(res.Removed, log[i].ID)
			continue
		}
		out = append(out, log[i].Clone())
	}
	if len(res.Removed) == 0 {
		return log, res
	}
	return out, res
}

func cloneLog(log []models.Message) []models.Message {
	out := make([]models.Message, len(log), len(log)+1)
	for i := range log {
		out[i] = log[i].Clone()
	}
	return out
}
