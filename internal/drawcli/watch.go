package drawcli

import (
	"fmt"
	gohttp "net/http"
	"sync/atomic"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v2"

	json "github.com/nikkolasg/hexjson"

	"github.com/drand/fairdraw/draw"
)

var urlFlag = &cli.StringFlag{
	Name:  "url",
	Value: "http://localhost:8080",
	Usage: "Base URL of the daemon's observer API.",
}

const watchPollPeriod = 500 * time.Millisecond
const refreshRate = 500 * time.Millisecond

// watchCmd polls the observer API until the round reaches a terminal state,
// then prints the outcome and winners.
func watchCmd(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("watch expects <roundID>")
	}
	id := c.Args().First()
	roundURL := fmt.Sprintf("%s/rounds/%s", c.String(urlFlag.Name), id)

	var status atomic.Value
	status.Store("Unknown")

	s := spinner.New(spinner.CharSets[9], refreshRate)
	s.PreUpdate = func(spin *spinner.Spinner) {
		spin.Suffix = fmt.Sprintf("  round %s - %s - waiting on the draw...", id, status.Load())
	}
	s.FinalMSG = "\n"
	s.Start()
	defer s.Stop()

	for {
		round, err := fetchRound(roundURL)
		if err != nil {
			return err
		}
		status.Store(round.Status.String())
		if round.Archived() {
			s.Stop()
			return printOutcome(round)
		}
		time.Sleep(watchPollPeriod)
	}
}

func fetchRound(url string) (*draw.Round, error) {
	resp, err := gohttp.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == gohttp.StatusNotFound {
		return nil, fmt.Errorf("round not found")
	}
	if resp.StatusCode != gohttp.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	round := new(draw.Round)
	if err := json.NewDecoder(resp.Body).Decode(round); err != nil {
		return nil, fmt.Errorf("decoding round: %w", err)
	}
	return round, nil
}

func printOutcome(round *draw.Round) error {
	if round.Status == draw.Cancelled {
		fmt.Fprintf(output, "round %s was cancelled, contributions refunded\n", round.ID)
		return nil
	}
	fmt.Fprintf(output, "round %s settled\n", round.ID)
	fmt.Fprintf(output, "outcome: %x\n", round.FinalOutcome)
	for _, w := range round.Winners {
		fmt.Fprintf(output, "winner: %s (%d bps)\n", w.Participant, w.ShareBasisPoints)
	}
	return nil
}
