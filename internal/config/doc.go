// Package config загружает конфигурацию сервисов Tributary.
//
// Источники в порядке приоритета (от низшего):
//   - значения по умолчанию
//   - config.yml из cmd/<service>, config/ или текущего каталога
//   - переменные окружения TRIBUTARY_<SECTION>_<KEY>, а также привычные
//     DB_URL, REDIS_ADDR, RABBITMQ_URL, GRPC_ADDR и порт сервиса
//     (API_PORT, VAULT_PORT, WORKER_PORT)
//
// Файл .env (или .env.<service>) загружается в окружение до чтения
// переменных и не перекрывает уже заданные.
//
//	cfg, err := config.Load("tributary-vault")
//	if err != nil {
//	    logger.Error("failed to load config", "error", err)
//	    os.Exit(1)
//	}
package config
