package authdb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deuxdrop/deuxdrop-go/pkg/ident"
	"github.com/deuxdrop/deuxdrop-go/pkg/keyring"
)

// Attestation is one ledger entry: granter gives grantee a privilege,
// possibly through an intermediate server, possibly on the word of a
// vouching third party. A Negative entry cancels whatever the latest
// prior entry for the same (privilege, grantee) said.
type Attestation struct {
	Privilege string `json:"privilege"`
	Granter   string `json:"granter"`
	Grantee   string `json:"grantee"`
	ViaServer string `json:"viaServer,omitempty"`
	Voucher   string `json:"voucher,omitempty"`
	Negative  bool   `json:"negative,omitempty"`
	IssuedAt  int64  `json:"issuedAt"`
	Seq       int64  `json:"seq"`
}

// appendAttestation writes at under the granter's forward row and the
// grantee's inverted row. The sequence number comes from the granter
// row's atomic counter, so entries for one granter are totally ordered.
func (d *DB) appendAttestation(at Attestation) error {
	seq, err := d.store.IncrementCell(tableUserAuths, at.Granter, famMeta+":seq", 1)
	if err != nil {
		return fmt.Errorf("attestation seq: %w", err)
	}
	at.Seq = seq
	at.IssuedAt = time.Now().UnixMilli()

	raw, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("encode attestation: %w", err)
	}

	fwdCol := fmt.Sprintf("%s:%s:%s:%020d", famForward, at.Privilege, at.Grantee, seq)
	if err := d.store.PutCells(tableUserAuths, at.Granter, map[string][]byte{
		fwdCol: raw,
	}); err != nil {
		return fmt.Errorf("append attestation: %w", err)
	}
	invCol := fmt.Sprintf("%s:%s:%s:%020d", famInverted, at.Privilege, at.Granter, seq)
	if err := d.store.PutCells(tableUserAuths, at.Grantee, map[string][]byte{
		invCol: raw,
	}); err != nil {
		return fmt.Errorf("invert attestation: %w", err)
	}

	d.logger.Debug("attestation appended",
		logKeySubject, at.Granter,
		logKeyPriv, at.Privilege,
		"grantee", at.Grantee,
		"negative", at.Negative)
	return nil
}

// privilegeState summarizes one (granter, privilege, grantee) ledger
// prefix. Direct grants, vouched grants, and negative entries are
// tracked separately so a later vouched entry cannot shadow a standing
// direct grant.
type privilegeState struct {
	direct  *Attestation
	vouched *Attestation
	negSeq  int64
}

// directHolds reports whether the latest direct grant postdates the
// latest negative entry.
func (st privilegeState) directHolds() bool {
	return st.direct != nil && st.direct.Seq > st.negSeq
}

// vouchedHolds reports whether the latest vouched grant postdates the
// latest negative entry. The voucher's own standing is checked by the
// caller.
func (st privilegeState) vouchedHolds() bool {
	return st.vouched != nil && st.vouched.Seq > st.negSeq
}

func (d *DB) loadPrivilegeState(
	granter, privilege, grantee string,
) (privilegeState, error) {
	row, err := d.store.GetRow(tableUserAuths, granter)
	if err != nil {
		return privilegeState{}, fmt.Errorf("read attestations: %w", err)
	}
	prefix := fmt.Sprintf("%s:%s:%s:", famForward, privilege, grantee)
	var st privilegeState
	for col, raw := range row {
		if !strings.HasPrefix(col, prefix) {
			continue
		}
		var at Attestation
		if err := json.Unmarshal(raw, &at); err != nil {
			return privilegeState{}, fmt.Errorf("decode attestation %s: %w", col, err)
		}
		switch {
		case at.Negative:
			if at.Seq > st.negSeq {
				st.negSeq = at.Seq
			}
		case at.Voucher != "":
			if st.vouched == nil || at.Seq > st.vouched.Seq {
				a := at
				st.vouched = &a
			}
		default:
			if st.direct == nil || at.Seq > st.direct.Seq {
				a := at
				st.direct = &a
			}
		}
	}
	return st, nil
}

// UserCheckUserPrivilege reports whether our subject has granted other
// the named privilege, either directly or through a vouched (secondary)
// attestation whose voucher is a direct contact. The two paths are
// checked independently; either suffices.
func (d *DB) UserCheckUserPrivilege(
	our keyring.KeyHash,
	other *ident.PersonSelfIdent,
	privilege string,
) (bool, error) {
	st, err := d.loadPrivilegeState(our.Hex(), privilege, other.RootKeyHash().Hex())
	if err != nil {
		return false, err
	}
	if st.directHolds() {
		return true, nil
	}
	if !st.vouchedHolds() {
		return false, nil
	}
	// Secondary path: the vouch only counts while the voucher is a
	// direct contact in good standing.
	vst, err := d.loadPrivilegeState(our.Hex(), PrivilegeContact, st.vouched.Voucher)
	if err != nil {
		return false, err
	}
	return vst.directHolds(), nil
}

// UserAuthorizeServerUserForContact records that our subject grants other
// the contact privilege, reached through the named transit server.
func (d *DB) UserAuthorizeServerUserForContact(
	our keyring.KeyHash,
	other *ident.PersonSelfIdent,
	via *ident.ServerSelfIdent,
) error {
	at := Attestation{
		Privilege: PrivilegeContact,
		Granter:   our.Hex(),
		Grantee:   other.RootKeyHash().Hex(),
	}
	if via != nil {
		at.ViaServer = via.BoxKeyHash().Hex()
	}
	return d.appendAttestation(at)
}

// UserRecordVouchedContact records a secondary attestation: voucher says
// other should hold the privilege on our behalf. It is only effective
// while voucher remains a direct contact.
func (d *DB) UserRecordVouchedContact(
	our, voucher keyring.KeyHash,
	other *ident.PersonSelfIdent,
	privilege string,
) error {
	return d.appendAttestation(Attestation{
		Privilege: privilege,
		Granter:   our.Hex(),
		Grantee:   other.RootKeyHash().Hex(),
		Voucher:   voucher.Hex(),
	})
}

// UserRevokeUserPrivilege appends a negative entry cancelling the
// privilege. The original grant stays in the ledger.
func (d *DB) UserRevokeUserPrivilege(
	our, other keyring.KeyHash,
	privilege string,
) error {
	return d.appendAttestation(Attestation{
		Privilege: privilege,
		Granter:   our.Hex(),
		Grantee:   other.Hex(),
		Negative:  true,
	})
}

// Conversation privileges hang off the conversation id as granter
// subject: participants and fanout servers are both grantees of the
// conversation privilege on that row.

// UserCheckConversation reports whether subject holds the conversation
// privilege on convID.
func (d *DB) UserCheckConversation(
	subject keyring.KeyHash,
	convID string,
) (bool, error) {
	st, err := d.loadPrivilegeState(convID, PrivilegeConversation, subject.Hex())
	if err != nil {
		return false, err
	}
	return st.directHolds(), nil
}

// UserAuthorizeUserForConversation admits a participant to convID.
func (d *DB) UserAuthorizeUserForConversation(
	participant keyring.KeyHash,
	convID string,
) error {
	return d.appendAttestation(Attestation{
		Privilege: PrivilegeConversation,
		Granter:   convID,
		Grantee:   participant.Hex(),
	})
}

// UserAuthorizeServerForConversation admits a fanout server to convID,
// allowing it to deliver conversation traffic here.
func (d *DB) UserAuthorizeServerForConversation(
	server keyring.KeyHash,
	convID string,
) error {
	return d.appendAttestation(Attestation{
		Privilege: PrivilegeConversation,
		Granter:   convID,
		Grantee:   server.Hex(),
	})
}
