package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dentacare/scheduling-engine/internal/db"
)

// Dev/demo seeder: creates the schema and a small clinic with doctors,
// units, weekly schedules and patients.

const schema = `
CREATE TABLE IF NOT EXISTS clinics (
	id   uuid PRIMARY KEY,
	name text NOT NULL
);

CREATE TABLE IF NOT EXISTS units (
	id        uuid PRIMARY KEY,
	clinic_id uuid NOT NULL REFERENCES clinics(id),
	name      text NOT NULL
);

CREATE TABLE IF NOT EXISTS doctors (
	id              uuid PRIMARY KEY,
	name            text NOT NULL,
	specialty       text,
	clinic_id       uuid NOT NULL REFERENCES clinics(id),
	default_unit_id uuid NOT NULL REFERENCES units(id),
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS patients (
	id         uuid PRIMARY KEY,
	name       text NOT NULL,
	phone      text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS weekly_windows (
	doctor_id uuid NOT NULL REFERENCES doctors(id),
	weekday   int  NOT NULL,
	start_min int  NOT NULL,
	end_min   int  NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_exceptions (
	doctor_id uuid NOT NULL REFERENCES doctors(id),
	date      timestamptz NOT NULL,
	closed    boolean NOT NULL,
	start_min int NOT NULL DEFAULT 0,
	end_min   int NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS appointments (
	id         uuid PRIMARY KEY,
	patient_id uuid NOT NULL REFERENCES patients(id),
	doctor_id  uuid NOT NULL REFERENCES doctors(id),
	unit_id    uuid NOT NULL REFERENCES units(id),
	start_time timestamptz NOT NULL,
	end_time   timestamptz NOT NULL,
	status     text NOT NULL,
	version    bigint NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_appointments_doctor_start ON appointments (doctor_id, start_time);
CREATE INDEX IF NOT EXISTS idx_appointments_unit_start ON appointments (unit_id, start_time);
CREATE INDEX IF NOT EXISTS idx_appointments_patient_start ON appointments (patient_id, start_time);

CREATE TABLE IF NOT EXISTS reschedule_queue (
	id             uuid PRIMARY KEY,
	appointment_id uuid NOT NULL REFERENCES appointments(id),
	reason         text NOT NULL,
	state          text NOT NULL,
	enqueued_at    timestamptz NOT NULL,
	attempts       int NOT NULL,
	next_retry_at  timestamptz NOT NULL,
	claimed_at     timestamptz
);
CREATE INDEX IF NOT EXISTS idx_reschedule_queue_due ON reschedule_queue (state, next_retry_at);

CREATE TABLE IF NOT EXISTS event_logs (
	id             bigserial PRIMARY KEY,
	event_type     text NOT NULL,
	appointment_id uuid,
	payload        jsonb,
	created_at     timestamptz NOT NULL DEFAULT now()
);
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(context.Background(), schema); err != nil {
		log.Fatalf("apply schema: %v", err)
	}
	log.Println("schema applied")

	gofakeit.Seed(time.Now().UnixNano())

	clinicID, unitIDs, err := seedClinic(context.Background(), pool, 6)
	if err != nil {
		log.Fatalf("seed clinic: %v", err)
	}
	if err := seedDoctors(context.Background(), pool, clinicID, unitIDs, 12); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedClinic(ctx context.Context, pool *pgxpool.Pool, unitCount int) (uuid.UUID, []uuid.UUID, error) {
	clinicID := uuid.New()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO clinics (id, name)
		VALUES ($1, $2)
	`, clinicID, gofakeit.Company()+" Dental Clinic")
	if err != nil {
		return uuid.Nil, nil, err
	}

	unitIDs := make([]uuid.UUID, 0, unitCount)
	for i := 1; i <= unitCount; i++ {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO units (id, clinic_id, name)
			VALUES ($1, $2, $3)
		`, id, clinicID, "Treatment Room "+gofakeit.LetterN(1))
		if err != nil {
			return uuid.Nil, nil, err
		}
		unitIDs = append(unitIDs, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, nil, err
	}

	log.Printf("clinic seeded with %d units", unitCount)
	return clinicID, unitIDs, nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, clinicID uuid.UUID, unitIDs []uuid.UUID, count int) error {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"General Dentistry",
		"Orthodontics",
		"Endodontics",
		"Periodontics",
		"Oral Surgery",
		"Pediatric Dentistry",
		"Prosthodontics",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		specialty := specialties[gofakeit.Number(0, len(specialties)-1)]
		unitID := unitIDs[i%len(unitIDs)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, clinic_id, default_unit_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, "Dr. "+gofakeit.Name(), specialty, clinicID, unitID)
		if err != nil {
			return err
		}

		// Mon-Fri 09:00-13:00 and 14:00-18:00, with some doctors off on
		// random weekdays.
		dayOff := gofakeit.Number(1, 5)
		for weekday := 1; weekday <= 5; weekday++ {
			if weekday == dayOff && gofakeit.Bool() {
				continue
			}
			for _, w := range [][2]int{{9 * 60, 13 * 60}, {14 * 60, 18 * 60}} {
				_, err := tx.Exec(ctx, `
					INSERT INTO weekly_windows (doctor_id, weekday, start_min, end_min)
					VALUES ($1, $2, $3, $4)
				`, id, weekday, w[0], w[1])
				if err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, phone, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), gofakeit.Name(), gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}
