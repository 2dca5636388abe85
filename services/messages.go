package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MyDira/Hadirot-sub006/models"
)

// Messages builds outbound SMS text. Builders return unprefixed fragments;
// Compose joins them into one message under the site name.
type Messages struct {
	SiteName     string
	RenewalDays  int
	DashboardURL string
	Location     *time.Location
}

func (m Messages) Compose(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	body := strings.Join(nonEmpty, " ")
	if m.SiteName == "" {
		return body
	}
	return m.SiteName + ": " + body
}

// AvailabilityPrompt asks about a single, unbatched listing.
func (m Messages) AvailabilityPrompt(l *models.Listing, daysLeft int) string {
	return fmt.Sprintf("%s expires in %s. Is it still available? Reply YES to extend it for %s or NO if it was %s.",
		Subject(l), plural(daysLeft, "day"), plural(m.RenewalDays, "day"), closedVerb(l))
}

// BatchIntro opens a batch and asks about its first listing.
func (m Messages) BatchIntro(l *models.Listing, total, daysLeft int) string {
	return fmt.Sprintf("You have %d listings expiring in %s. We'll go through them one at a time. 1 of %d: %s. Still available? Reply YES to extend or NO if it was %s.",
		total, plural(daysLeft, "day"), total, ListingLine(l), closedVerb(l))
}

// NextPrompt asks about the next batch member. remaining counts the listing
// being asked about.
func (m Messages) NextPrompt(l *models.Listing, remaining int) string {
	return fmt.Sprintf("Next (%d remaining): %s. Still available? Reply YES to extend or NO if it was %s.",
		remaining, ListingLine(l), closedVerb(l))
}

func (m Messages) Extended(l *models.Listing, expiresAt time.Time) string {
	return fmt.Sprintf("Great! %s has been extended until %s.", Subject(l), m.date(expiresAt))
}

func (m Messages) HadirotQuestion(l *models.Listing) string {
	return fmt.Sprintf("Thanks for letting us know, %s has been taken down. Was it %s through %s? Reply YES or NO.",
		lowerFirst(Subject(l)), closedVerb(l), m.siteLabel())
}

func (m Messages) Thanks() string {
	return "Thank you for the feedback!"
}

func (m Messages) BatchFinished() string {
	return "That was the last listing in this reminder."
}

// BatchHelp lists the still-open members of a batch with their positions.
func (m Messages) BatchHelp(members []models.Conversation, listings map[string]*models.Listing) string {
	var b strings.Builder
	b.WriteString("Listings in this reminder:")
	current := 0
	for _, c := range members {
		if c.State != models.StatePending && !c.State.IsAwaiting() {
			continue
		}
		line := "your listing"
		if l := listings[c.ListingID.String()]; l != nil {
			line = ListingLine(l)
		}
		fmt.Fprintf(&b, " %d) %s", c.Index(), line)
		if c.State.IsAwaiting() {
			b.WriteString(" [current]")
			current = c.Index()
		}
		b.WriteString(";")
	}
	out := strings.TrimSuffix(b.String(), ";") + "."
	if current > 0 {
		out += fmt.Sprintf(" Reply YES or NO for #%d.", current)
	}
	return out
}

// SingleHelp repeats the question framed on the listing's location and price.
func (m Messages) SingleHelp(l *models.Listing) string {
	where := l.Location
	if where == "" {
		where = descriptor(l)
	}
	if p := FormatPrice(l); p != "" {
		where += " (" + p + ")"
	}
	if where == "" {
		where = "your listing"
	}
	return fmt.Sprintf("We're asking about your %s listing at %s. Is it still available? Reply YES to extend it or NO if it was %s.",
		l.Type, where, closedVerb(l))
}

func (m Messages) ClarifyAvailability(l *models.Listing) string {
	return fmt.Sprintf("Sorry, we didn't understand. Is %s still available? Reply YES or NO.",
		lowerFirst(Subject(l)))
}

func (m Messages) ClarifyHadirot(l *models.Listing) string {
	return fmt.Sprintf("Please reply YES or NO: was it %s through %s?", closedVerb(l), m.siteLabel())
}

func (m Messages) ExpiredLink() string {
	if m.DashboardURL == "" {
		return "This renewal request has expired. Please renew your listing from your dashboard."
	}
	return fmt.Sprintf("This renewal request has expired. To renew your listing, visit %s", m.DashboardURL)
}

func (m Messages) RetryLater() string {
	return "Sorry, we couldn't update your listing right now. Please reply again in a few minutes."
}

func (m Messages) siteLabel() string {
	if m.SiteName == "" {
		return "us"
	}
	return m.SiteName
}

func (m Messages) date(t time.Time) string {
	if m.Location != nil {
		t = t.In(m.Location)
	}
	return t.Format("Jan 2, 2006")
}

// Subject is "Your rental listing at <place>", or without the place when the
// listing has no usable description.
func Subject(l *models.Listing) string {
	kind := "Your listing"
	if l.Type != "" {
		kind = "Your " + string(l.Type) + " listing"
	}
	if d := descriptor(l); d != "" {
		return kind + " at " + d
	}
	return kind
}

// ListingLine is a short one-line label: place plus price when known.
func ListingLine(l *models.Listing) string {
	line := descriptor(l)
	if line == "" {
		line = "your listing"
	}
	if l.Bedrooms != nil && *l.Bedrooms > 0 {
		line = fmt.Sprintf("%dBR %s", *l.Bedrooms, line)
	}
	if p := FormatPrice(l); p != "" {
		line += " (" + p + ")"
	}
	return line
}

// descriptor picks the place text. Sale listings may show a full address;
// rentals only show cross streets or the neighborhood.
func descriptor(l *models.Listing) string {
	if l.IsSale() && l.FullAddress != nil && strings.TrimSpace(*l.FullAddress) != "" {
		return strings.TrimSpace(*l.FullAddress)
	}
	if s := strings.TrimSpace(l.Location); s != "" {
		return s
	}
	return strings.TrimSpace(l.Neighborhood)
}

// FormatPrice renders "$2,500/month" for rentals and "$850K" / "$1.2M" for sales.
func FormatPrice(l *models.Listing) string {
	if l.Price == nil || *l.Price <= 0 {
		return ""
	}
	p := *l.Price
	if !l.IsSale() {
		return "$" + commas(p) + "/month"
	}
	switch {
	case p >= 999_500: // "$1000K" reads as $1M
		return "$" + trimDecimal(float64(p)/1_000_000, 2) + "M"
	case p >= 1_000:
		return "$" + trimDecimal(float64(p)/1_000, 0) + "K"
	}
	return "$" + commas(p)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func closedVerb(l *models.Listing) string {
	if l.IsSale() {
		return "sold"
	}
	return "rented"
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func commas(n int64) string {
	s := strconv.FormatInt(n, 10)
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func trimDecimal(v float64, places int) string {
	s := strconv.FormatFloat(v, 'f', places, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
