/*
Copyright 2024-2025 Alve Capital

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictgate

// Legacy spreadsheet store. Retained for deployments that have not migrated
// to MongoDB; every operation is a linear scan over the sheet, so it only
// suits small user counts. Row layouts:
//
//	Users!A:E     user_id, username, referred_by, registered_at, last_activity
//	Referrals!A:E referrer_id, referred_id, created_at, verified, verified_at

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	usersRange     = "Users!A2:E"
	referralsRange = "Referrals!A2:E"
)

type SheetStoreConfig struct {
	SpreadsheetID   string
	CredentialsFile string
	Logger          logrus.FieldLogger
}

func (c *SheetStoreConfig) SetDefaults() {
	setter.SetDefault(&c.CredentialsFile, "google_credentials.json")
	setter.SetDefault(&c.Logger, logrus.WithField("category", "store"))
}

type SheetStore struct {
	svc  *sheets.Service
	conf SheetStoreConfig
	log  logrus.FieldLogger
}

var _ Store = &SheetStore{}

func NewSheetStore(ctx context.Context, conf SheetStoreConfig) (*SheetStore, error) {
	conf.SetDefaults()

	if conf.SpreadsheetID == "" {
		return nil, errors.New("SheetStoreConfig.SpreadsheetID is required")
	}

	svc, err := sheets.NewService(ctx, option.WithCredentialsFile(conf.CredentialsFile))
	if err != nil {
		return nil, errors.Wrap(err, "while creating sheets service")
	}

	return &SheetStore{svc: svc, conf: conf, log: conf.Logger}, nil
}

func (s *SheetStore) FindUser(ctx context.Context, id int64) (*UserRecord, error) {
	rows, err := s.read(ctx, usersRange)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		u := userFromRow(row)
		if u != nil && u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func (s *SheetStore) UpsertUser(ctx context.Context, u UserRecord) error {
	rows, err := s.read(ctx, usersRange)
	if err != nil {
		return err
	}
	for i, row := range rows {
		existing := userFromRow(row)
		if existing == nil || existing.ID != u.ID {
			continue
		}
		// Keep the original registration date and referrer on update.
		u.RegisteredAt = existing.RegisteredAt
		if existing.ReferredBy != 0 {
			u.ReferredBy = existing.ReferredBy
		}
		return s.update(ctx, fmt.Sprintf("Users!A%d:E%d", i+2, i+2), userRow(u))
	}
	return s.append(ctx, usersRange, userRow(u))
}

func (s *SheetStore) BulkUpsertUsers(ctx context.Context, users []UserRecord) error {
	for _, u := range users {
		if err := s.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *SheetStore) FindReferral(ctx context.Context, referredID int64) (*ReferralRecord, error) {
	rows, err := s.read(ctx, referralsRange)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		r := referralFromRow(row)
		if r != nil && r.ReferredID == referredID {
			return r, nil
		}
	}
	return nil, nil
}

func (s *SheetStore) InsertReferral(ctx context.Context, referrerID, referredID int64) error {
	r := ReferralRecord{
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  clock.Now(),
	}
	return s.append(ctx, referralsRange, referralRow(r))
}

func (s *SheetStore) MarkReferralVerified(ctx context.Context, referrerID, referredID int64) error {
	rows, err := s.read(ctx, referralsRange)
	if err != nil {
		return err
	}
	for i, row := range rows {
		r := referralFromRow(row)
		if r == nil || r.ReferrerID != referrerID || r.ReferredID != referredID {
			continue
		}
		r.Verified = true
		r.VerifiedAt = clock.Now()
		return s.update(ctx, fmt.Sprintf("Referrals!A%d:E%d", i+2, i+2), referralRow(*r))
	}
	return nil
}

func (s *SheetStore) CountVerifiedReferrals(ctx context.Context, referrerID int64) (int, error) {
	rows, err := s.read(ctx, referralsRange)
	if err != nil {
		return 0, err
	}
	var count int
	for _, row := range rows {
		r := referralFromRow(row)
		if r != nil && r.ReferrerID == referrerID && r.Verified {
			count++
		}
	}
	return count, nil
}

func (s *SheetStore) Ping(ctx context.Context) error {
	_, err := s.svc.Spreadsheets.Get(s.conf.SpreadsheetID).
		Fields("spreadsheetId").Context(ctx).Do()
	return errors.Wrap(err, "while reading spreadsheet metadata")
}

func (s *SheetStore) read(ctx context.Context, readRange string) ([][]interface{}, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.conf.SpreadsheetID, readRange).
		Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "while reading range '%s'", readRange)
	}
	return resp.Values, nil
}

func (s *SheetStore) append(ctx context.Context, appendRange string, row []interface{}) error {
	_, err := s.svc.Spreadsheets.Values.Append(s.conf.SpreadsheetID, appendRange,
		&sheets.ValueRange{Values: [][]interface{}{row}}).
		ValueInputOption("RAW").Context(ctx).Do()
	return errors.Wrapf(err, "while appending to range '%s'", appendRange)
}

func (s *SheetStore) update(ctx context.Context, updateRange string, row []interface{}) error {
	_, err := s.svc.Spreadsheets.Values.Update(s.conf.SpreadsheetID, updateRange,
		&sheets.ValueRange{Values: [][]interface{}{row}}).
		ValueInputOption("RAW").Context(ctx).Do()
	return errors.Wrapf(err, "while updating range '%s'", updateRange)
}

func userRow(u UserRecord) []interface{} {
	return []interface{}{
		strconv.FormatInt(u.ID, 10),
		u.Username,
		strconv.FormatInt(u.ReferredBy, 10),
		u.RegisteredAt.Format(time.RFC3339),
		u.LastActivity.Format(time.RFC3339),
	}
}

func userFromRow(row []interface{}) *UserRecord {
	if len(row) < 5 {
		return nil
	}
	id, err := strconv.ParseInt(cell(row, 0), 10, 64)
	if err != nil {
		return nil
	}
	referredBy, _ := strconv.ParseInt(cell(row, 2), 10, 64)
	registered, _ := time.Parse(time.RFC3339, cell(row, 3))
	activity, _ := time.Parse(time.RFC3339, cell(row, 4))
	return &UserRecord{
		ID:           id,
		Username:     cell(row, 1),
		ReferredBy:   referredBy,
		RegisteredAt: registered,
		LastActivity: activity,
	}
}

func referralRow(r ReferralRecord) []interface{} {
	verifiedAt := ""
	if r.Verified {
		verifiedAt = r.VerifiedAt.Format(time.RFC3339)
	}
	return []interface{}{
		strconv.FormatInt(r.ReferrerID, 10),
		strconv.FormatInt(r.ReferredID, 10),
		r.CreatedAt.Format(time.RFC3339),
		strconv.FormatBool(r.Verified),
		verifiedAt,
	}
}

func referralFromRow(row []interface{}) *ReferralRecord {
	if len(row) < 4 {
		return nil
	}
	referrerID, err := strconv.ParseInt(cell(row, 0), 10, 64)
	if err != nil {
		return nil
	}
	referredID, err := strconv.ParseInt(cell(row, 1), 10, 64)
	if err != nil {
		return nil
	}
	created, _ := time.Parse(time.RFC3339, cell(row, 2))
	verified, _ := strconv.ParseBool(cell(row, 3))
	verifiedAt, _ := time.Parse(time.RFC3339, cell(row, 4))
	return &ReferralRecord{
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  created,
		Verified:   verified,
		VerifiedAt: verifiedAt,
	}
}

func cell(row []interface{}, i int) string {
	if i >= len(row) {
		return ""
	}
	s, _ := row[i].(string)
	return s
}
