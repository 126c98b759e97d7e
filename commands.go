package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gregLibert/calypso/pkg/calypso"
	"github.com/gregLibert/calypso/pkg/pcsc"
)

// defaultAID is the truncated AID shared by Calypso transport applications.
const defaultAID = "315449432E49434131"

func newReadersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List the PC/SC readers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var readers []string
			var err error
			if a.simulate {
				readers = []string{simulatedCardReader, simulatedSamReader}
			} else if readers, err = pcsc.Readers(); err != nil {
				return err
			}
			if len(readers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No smart card reader found.")
				return nil
			}
			for i, r := range readers {
				fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s\n", i, r)
			}
			return nil
		},
	}
}

func newReadCmd(a *app) *cobra.Command {
	var sfi uint8
	var first, last, size int
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Select the card and read records outside a secure session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			card, image, err := a.selectCard(func(s *calypso.CardSelection) {
				s.PrepareGetData(calypso.GetDataTraceabilityInformation)
			})
			if err != nil {
				return err
			}
			defer a.closeReader(card)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, image)
			fmt.Fprintf(out, "Startup info: %X\n", image.StartupInfoRawData())
			if trace := image.TraceabilityInformation(); len(trace) > 0 {
				fmt.Fprintf(out, "Traceability: %X\n", trace)
			}
			if sfi == 0 {
				return nil
			}

			m, err := calypso.NewCardTransactionManager(card, image, nil, calypso.WithLogger(a.logger))
			if err != nil {
				return err
			}
			if err := m.PrepareReadRecords(sfi, first, last, size); err != nil {
				return err
			}
			m.PrepareReleaseCardChannel()
			if err := m.ProcessCardCommands(); err != nil {
				return err
			}
			printRecords(cmd, image, sfi)
			return nil
		},
	}
	cmd.Flags().Uint8Var(&sfi, "sfi", 0, "SFI of the file to read (none by default)")
	cmd.Flags().IntVar(&first, "from", 1, "first record")
	cmd.Flags().IntVar(&last, "to", 1, "last record")
	cmd.Flags().IntVar(&size, "size", 29, "record size in bytes")
	return cmd
}

func newSessionCmd(a *app) *cobra.Command {
	var (
		sfi    uint8
		record int
		data   string
		level  string
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Read a record in a secure session and optionally update it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			access, err := parseLevel(level)
			if err != nil {
				return err
			}
			var update []byte
			if data != "" {
				if update, err = hex.DecodeString(data); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}
			t, err := a.openTransaction(nil)
			if err != nil {
				return err
			}
			defer t.close()

			if err := t.manager.PrepareReadRecord(sfi, record); err != nil {
				return err
			}
			if err := t.manager.ProcessOpening(access); err != nil {
				return err
			}
			if update != nil {
				if err := t.manager.PrepareUpdateRecord(sfi, record, update); err != nil {
					return cancel(t.manager, err)
				}
			}
			t.manager.PrepareReleaseCardChannel()
			if err := t.manager.ProcessClosing(); err != nil {
				return err
			}
			printRecords(cmd, t.image, sfi)
			return nil
		},
	}
	cmd.Flags().Uint8Var(&sfi, "sfi", 0x07, "SFI of the record")
	cmd.Flags().IntVar(&record, "record", 1, "record number")
	cmd.Flags().StringVar(&data, "data", "", "new record content, in hexadecimal")
	cmd.Flags().StringVar(&level, "level", "debit", "write access level (personalization, load, debit)")
	return cmd
}

func newSvCmd(a *app) *cobra.Command {
	var reload, debit int
	var negative bool
	cmd := &cobra.Command{
		Use:   "sv",
		Short: "Read the Stored Value balance, reload or debit it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if reload != 0 && debit != 0 {
				return errors.New("--reload and --debit are exclusive")
			}
			t, err := a.openTransaction(func(b *calypso.CardSecuritySettingBuilder) {
				if negative {
					b.AuthorizeSvNegativeBalance()
				}
			})
			if err != nil {
				return err
			}
			defer t.close()

			m := t.manager
			switch {
			case reload != 0:
				err = errors.Join(m.PrepareSvGet(calypso.SvReload, calypso.SvDo), m.PrepareSvReload(reload, nil, nil, nil))
			case debit != 0:
				err = errors.Join(m.PrepareSvGet(calypso.SvDebit, calypso.SvDo), m.PrepareSvDebit(debit, nil, nil))
			default:
				err = errors.Join(m.PrepareSvGet(calypso.SvDebit, calypso.SvDo), m.PrepareSvReadAllLogs())
			}
			if err != nil {
				return err
			}
			m.PrepareReleaseCardChannel()
			if err := m.ProcessCardCommands(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			balance, _ := t.image.SvBalance()
			tnum, _ := t.image.SvLastTNum()
			fmt.Fprintf(out, "Balance: %d (transaction #%d)\n", balance, tnum)
			if log := t.image.SvLoadLogRecord(); log != nil {
				fmt.Fprintf(out, "Last load: %s\n", log)
			}
			for i, log := range t.image.SvDebitLogAllRecords() {
				if log != nil {
					fmt.Fprintf(out, "Debit log %d: %s\n", i+1, log)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&reload, "reload", 0, "amount to load")
	cmd.Flags().IntVar(&debit, "debit", 0, "amount to debit")
	cmd.Flags().BoolVar(&negative, "allow-negative", false, "authorize a negative balance")
	return cmd
}

func newPinCmd(a *app) *cobra.Command {
	var pin string
	var plain bool
	var kif, kvc uint8
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Present the PIN, or read its status when --pin is empty",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := a.openTransaction(func(b *calypso.CardSecuritySettingBuilder) {
				if plain {
					b.EnablePinPlainTransmission()
				} else {
					b.SetPinVerificationCipheringKey(kif, kvc)
				}
			})
			if err != nil {
				return err
			}
			defer t.close()

			if pin == "" {
				if err := t.manager.PrepareCheckPinStatus(); err != nil {
					return err
				}
				err = t.manager.ProcessCardCommands()
			} else {
				err = t.manager.ProcessVerifyPin([]byte(pin))
			}
			left, _ := t.image.PinAttemptRemaining()
			fmt.Fprintf(cmd.OutOrStdout(), "PIN attempts remaining: %d\n", left)
			return err
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "4-digit PIN")
	cmd.Flags().BoolVar(&plain, "plain", false, "send the PIN without ciphering")
	cmd.Flags().Uint8Var(&kif, "kif", 0x30, "KIF of the PIN ciphering key")
	cmd.Flags().Uint8Var(&kvc, "kvc", 0x79, "KVC of the PIN ciphering key")
	return cmd
}

// transaction bundles an opened card, its optional SAM and the manager.
type transaction struct {
	a       *app
	card    calypso.CardReader
	sam     calypso.CardReader
	image   *calypso.CalypsoCard
	manager *calypso.CardTransactionManager
}

func (t *transaction) close() {
	t.a.closeReader(t.card)
	if t.sam != nil {
		t.a.closeReader(t.sam)
	}
}

// openTransaction selects the card and, when --sam-reader or --simulate is
// set, the SAM, and binds a manager with the configured security setting.
func (a *app) openTransaction(configure func(*calypso.CardSecuritySettingBuilder)) (*transaction, error) {
	card, image, err := a.selectCard(nil)
	if err != nil {
		return nil, err
	}
	t := &transaction{a: a, card: card, image: image}

	b := calypso.NewCardSecuritySettingBuilder().EnableRatificationMechanism()
	sam, samName, err := a.connectSam()
	if err != nil {
		t.close()
		return nil, err
	}
	if sam != nil {
		t.sam = sam
		samImage, matched, err := calypso.NewSamSelection().Process(sam, calypso.WithLogger(a.logger))
		if err != nil {
			t.close()
			return nil, err
		}
		if !matched {
			t.close()
			return nil, fmt.Errorf("no Calypso SAM in reader %q", samName)
		}
		b.SetSamResource(sam, samImage)
	}
	if configure != nil {
		configure(b)
	}
	setting, err := b.Build()
	if err != nil {
		t.close()
		return nil, err
	}
	t.manager, err = calypso.NewCardTransactionManager(card, image, setting, calypso.WithLogger(a.logger))
	if err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

// selectCard connects to the card reader and selects the Calypso application.
func (a *app) selectCard(prepare func(*calypso.CardSelection)) (calypso.CardReader, *calypso.CalypsoCard, error) {
	aid, err := hex.DecodeString(a.aid)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --aid: %w", err)
	}
	reader, name, err := a.connectCard(aid)
	if err != nil {
		return nil, nil, err
	}

	sel := calypso.NewCardSelection().FilterByDfName(aid)
	if prepare != nil {
		prepare(sel)
	}
	image, matched, err := sel.Process(reader, calypso.WithLogger(a.logger))
	if err != nil {
		a.closeReader(reader)
		return nil, nil, err
	}
	if !matched {
		a.closeReader(reader)
		return nil, nil, fmt.Errorf("no Calypso application %X in reader %q", aid, name)
	}
	return reader, image, nil
}

// connectCard returns the card reader: the simulated one with --simulate,
// else --reader or the first PC/SC reader.
func (a *app) connectCard(aid []byte) (calypso.CardReader, string, error) {
	if a.simulate {
		if a.sim == nil {
			a.sim = newSimulator(aid)
		}
		return a.sim.card, simulatedCardReader, nil
	}
	name := a.cardReader
	if name == "" {
		readers, err := pcsc.Readers()
		if err != nil {
			return nil, "", err
		}
		if len(readers) == 0 {
			return nil, "", errors.New("no smart card reader found")
		}
		name = readers[0]
	}
	reader, err := pcsc.Open(name, pcsc.WithLogger(a.logger))
	if err != nil {
		return nil, "", err
	}
	return reader, name, nil
}

// connectSam returns the SAM reader, nil when no SAM was requested.
func (a *app) connectSam() (calypso.CardReader, string, error) {
	switch {
	case a.simulate && a.sim != nil:
		return a.sim.sam, simulatedSamReader, nil
	case a.samReader == "":
		return nil, "", nil
	}
	sam, err := pcsc.Open(a.samReader, pcsc.WithContactless(false), pcsc.WithLogger(a.logger))
	if err != nil {
		return nil, "", err
	}
	return sam, a.samReader, nil
}

// closeReader closes PC/SC readers. Simulated readers hold nothing to release.
func (a *app) closeReader(r calypso.CardReader) {
	pr, ok := r.(*pcsc.Reader)
	if !ok {
		return
	}
	if err := pr.Close(); err != nil {
		a.logger.Warn("failed to close reader", slog.String("reader", pr.Name()), slog.Any("error", err))
	}
}

// cancel aborts the open session and returns err.
func cancel(m *calypso.CardTransactionManager, err error) error {
	if cerr := m.ProcessCancel(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

func parseLevel(s string) (calypso.WriteAccessLevel, error) {
	for _, l := range []calypso.WriteAccessLevel{calypso.WriteAccessPersonalization, calypso.WriteAccessLoad, calypso.WriteAccessDebit} {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown write access level %q", s)
}

func printRecords(cmd *cobra.Command, image *calypso.CalypsoCard, sfi uint8) {
	out := cmd.OutOrStdout()
	ef := image.FileBySfi(sfi)
	if ef == nil {
		fmt.Fprintf(out, "SFI %02X: not found\n", sfi)
		return
	}
	for _, n := range ef.Data().RecordNumbers() {
		fmt.Fprintf(out, "SFI %02X #%d:\n%s", sfi, n, hex.Dump(ef.Data().ContentOf(n)))
	}
}
