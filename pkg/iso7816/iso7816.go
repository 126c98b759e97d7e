// Package iso7816 is the APDU layer shared by the Calypso card and SAM engines.
//
// It encodes commands in the short or extended form of ISO/IEC 7816-3, splits
// responses into data and status word, and builds the interindustry commands
// Calypso reuses (SELECT, READ RECORD). Client runs the exchanges over a
// Transmitter, completing 61XX and 6CXX answers, and sends groups of commands
// in one request when the connection implements BatchTransmitter:
//
//	client := iso7816.NewClient(reader)
//	cmd := iso7816.NewReadRecordCommand(iso7816.ClassInterindustry, 0x07, 1, iso7816.ReadRecordP1, 29)
//	trace, err := client.Send(cmd)
//	if err != nil {
//		return err
//	}
//	if !trace.IsSuccess() {
//		return fmt.Errorf("read record: %s", trace.Response().Status.Verbose())
//	}
package iso7816
