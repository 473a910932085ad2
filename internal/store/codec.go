package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

type encodedRecord struct {
	results       []byte
	modelVersions []byte
	tags          []byte
	summary       []byte
}

func encodeRecord(rec *model.DetectionRecord) (encodedRecord, error) {
	var out encodedRecord
	var err error

	results := rec.Results
	if results == nil {
		results = map[model.CapabilityType]model.EngineResult{}
	}
	if out.results, err = json.Marshal(results); err != nil {
		return out, eris.Wrap(err, "marshal results")
	}
	versions := rec.ModelVersions
	if versions == nil {
		versions = map[model.CapabilityType]string{}
	}
	if out.modelVersions, err = json.Marshal(versions); err != nil {
		return out, eris.Wrap(err, "marshal model versions")
	}
	tags := rec.Tags
	if tags == nil {
		tags = []model.Tag{}
	}
	if out.tags, err = json.Marshal(tags); err != nil {
		return out, eris.Wrap(err, "marshal tags")
	}
	if out.summary, err = json.Marshal(rec.Summary); err != nil {
		return out, eris.Wrap(err, "marshal summary")
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanDetection reads one row selected with the detection column list. The
// driver's no-rows error is returned unwrapped so callers can map it.
func scanDetection(row scannable) (*model.DetectionRecord, error) {
	var (
		rec                          model.DetectionRecord
		status, confirmation         string
		results, versions, tags, sum []byte
		confirmedAt, createdAt       time.Time
	)
	if err := row.Scan(&rec.ID, &rec.RequestID, &rec.PhotoID, &status,
		&results, &versions, &rec.ProcessingTimeMS, &tags, &sum,
		&confirmation, &confirmedAt, &rec.CorrelationID, &createdAt); err != nil {
		return nil, err
	}

	rec.Status = model.DetectionStatus(status)
	rec.Confirmation = model.UserConfirmation{
		Status:    model.ConfirmationStatus(confirmation),
		UpdatedAt: confirmedAt.UTC(),
	}
	rec.CreatedAt = createdAt.UTC()

	if err := json.Unmarshal(results, &rec.Results); err != nil {
		return nil, eris.Wrap(err, "unmarshal results")
	}
	if err := json.Unmarshal(versions, &rec.ModelVersions); err != nil {
		return nil, eris.Wrap(err, "unmarshal model versions")
	}
	if err := json.Unmarshal(tags, &rec.Tags); err != nil {
		return nil, eris.Wrap(err, "unmarshal tags")
	}
	if err := json.Unmarshal(sum, &rec.Summary); err != nil {
		return nil, eris.Wrap(err, "unmarshal summary")
	}
	return &rec, nil
}
