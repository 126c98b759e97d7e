package calypso

import (
	"log/slog"
)

const pinLength = 4

// sendStrict sends one card command outside the command queue and applies
// its response. Any unsuccessful status not accepted by the command fails.
func (m *CardTransactionManager) sendStrict(op string, cmd cardCommand) error {
	ex, err := m.cardCh.transmit(op, cmd.apdu())
	if err != nil {
		return err
	}
	if m.session != nil {
		m.session.record(ex)
	}
	if _, err := checkStatus(cmd, ex.response, true); err != nil {
		return err
	}
	return cmd.parse(m.card, ex.response)
}

func (m *CardTransactionManager) requirePin(op string) error {
	if !m.card.pinFeature {
		return unsupported(op, "the card has no PIN")
	}
	return nil
}

func (m *CardTransactionManager) requireEmptyQueue(op string) error {
	if len(m.queue) > 0 {
		return illegalState(op, "%d prepared command(s) must be processed first", len(m.queue))
	}
	return nil
}

// plainPin reports whether PIN values travel in plain text.
func (m *CardTransactionManager) plainPin() bool {
	return m.setting == nil || m.setting.IsPinPlainTransmissionEnabled()
}

// cardChallengeForSam gets a card challenge and hands it to the SAM with the
// card diversifier, before a ciphering.
func (m *CardTransactionManager) cardChallengeForSam(op string) error {
	get := newGetChallenge(m.card)
	if err := m.sendStrict(op, get); err != nil {
		return err
	}
	if err := m.sam.selectDiversifier(m.card.serialNumber); err != nil {
		return err
	}
	return m.sam.giveRandom(get.challenge)
}

// ProcessVerifyPin presents pin to the card. The PIN is ciphered by the SAM
// unless the setting enables plain transmission. The remaining attempts are
// updated whatever the outcome; a wrong PIN yields a KindUnexpectedStatus error.
func (m *CardTransactionManager) ProcessVerifyPin(pin []byte) error {
	const op = "ProcessVerifyPin"
	if err := m.requirePin(op); err != nil {
		return err
	}
	if err := checkLength(op, "pin", pin, pinLength, pinLength); err != nil {
		return err
	}
	if err := m.requireEmptyQueue(op); err != nil {
		return err
	}
	return m.run(op, func([]cardCommand) error {
		if m.plainPin() {
			return m.sendStrict(op, newVerifyPin(m.card, pin))
		}
		if err := m.requireSam(op); err != nil {
			return err
		}
		if m.state == SessionOpen {
			return illegalState(op, "a ciphered PIN cannot be presented inside a secure session")
		}
		kif, kvc, ok := m.setting.PinVerificationCipheringKey()
		if !ok {
			return illegalState(op, "no PIN verification ciphering key is set")
		}
		if err := m.cardChallengeForSam(op); err != nil {
			return err
		}
		ciphered, err := m.sam.cipherPin(kif, kvc, pin)
		if err != nil {
			return err
		}
		err = m.sendStrict(op, newVerifyPin(m.card, ciphered))
		if err == nil {
			m.logger.Info("PIN verified")
		}
		return err
	})
}

// ProcessChangePin replaces the card PIN. It cannot run inside a secure session.
func (m *CardTransactionManager) ProcessChangePin(newPin []byte) error {
	const op = "ProcessChangePin"
	if err := m.requirePin(op); err != nil {
		return err
	}
	if err := checkLength(op, "new pin", newPin, pinLength, pinLength); err != nil {
		return err
	}
	if m.state == SessionOpen {
		return illegalState(op, "not allowed inside a secure session")
	}
	if err := m.requireEmptyQueue(op); err != nil {
		return err
	}
	return m.run(op, func([]cardCommand) error {
		if m.plainPin() {
			return m.sendStrict(op, newChangeKey(m.card, 0xFF, newPin))
		}
		if err := m.requireSam(op); err != nil {
			return err
		}
		kif, kvc, ok := m.setting.PinModificationCipheringKey()
		if !ok {
			return illegalState(op, "no PIN modification ciphering key is set")
		}
		if err := m.cardChallengeForSam(op); err != nil {
			return err
		}
		ciphered, err := m.sam.cipherNewPin(kif, kvc, newPin)
		if err != nil {
			return err
		}
		return m.sendStrict(op, newChangeKey(m.card, 0xFF, ciphered))
	})
}

// ProcessChangeKey loads a new key at keyIndex (1 to 3). The SAM builds the
// cryptogram from the issuer key.
func (m *CardTransactionManager) ProcessChangeKey(keyIndex int, newKif, newKvc, issuerKif, issuerKvc byte) error {
	const op = "ProcessChangeKey"
	if err := checkRange(op, "key index", keyIndex, 1, 3); err != nil {
		return err
	}
	if err := m.requireSam(op); err != nil {
		return err
	}
	if m.state == SessionOpen {
		return illegalState(op, "not allowed inside a secure session")
	}
	if err := m.requireEmptyQueue(op); err != nil {
		return err
	}
	return m.run(op, func([]cardCommand) error {
		if err := m.cardChallengeForSam(op); err != nil {
			return err
		}
		cryptogram, err := m.sam.generateKey(issuerKif, issuerKvc, newKif, newKvc)
		if err != nil {
			return err
		}
		if err := m.sendStrict(op, newChangeKey(m.card, byte(keyIndex), cryptogram)); err != nil {
			return err
		}
		m.logger.Info("card key changed", slog.Int("index", keyIndex))
		return nil
	})
}
